package main

import (
	"io"
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		backend:      "socketcan",
		canIf:        "can0",
		serialDev:    "/dev/null",
		baud:         115200,
		serialReadTO: 10 * time.Millisecond,
		bindAddr:     "0.0.0.0:1234",
		txQueue:      64,
		rxQueue:      64,
		batch:        16,
		maxDatagram:  1472,
		pollInterval: 100 * time.Millisecond,
		logFormat:    "text",
		logLevel:     "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	c := baseConfig()
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	c.backend, c.serialDev, c.remote = "serial", "auto", "192.0.2.10:1234"
	if err := c.validate(); err != nil {
		t.Fatalf("serial config: %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"emptyCanIf", func(c *appConfig) { c.canIf = "" }},
		{"serialFD", func(c *appConfig) { c.backend = "serial"; c.canFD = true }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badBind", func(c *appConfig) { c.bindAddr = "1234" }},
		{"badRemote", func(c *appConfig) { c.remote = "host-without-port" }},
		{"badTxQueue", func(c *appConfig) { c.txQueue = 0 }},
		{"badRxQueue", func(c *appConfig) { c.rxQueue = -1 }},
		{"batchZero", func(c *appConfig) { c.batch = 0 }},
		{"batchTooBig", func(c *appConfig) { c.batch = 256 }},
		{"datagramTooSmall", func(c *appConfig) { c.maxDatagram = 20 }},
		{"datagramTooBig", func(c *appConfig) { c.maxDatagram = 70000 }},
		{"badPoll", func(c *appConfig) { c.pollInterval = 0 }},
		{"badTOS", func(c *appConfig) { c.tos = 256 }},
		{"badMetricsInterval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg, showVersion, err := parseFlags(nil, io.Discard)
	if err != nil || showVersion {
		t.Fatalf("parseFlags: %v version=%v", err, showVersion)
	}
	if cfg.bindAddr != "0.0.0.0:1234" || cfg.txQueue != 64 || cfg.rxQueue != 64 || cfg.batch != 16 || cfg.remote != "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestParseFlags_Values(t *testing.T) {
	args := []string{"-backend", "serial", "-serial", "auto", "-remote", "192.0.2.1:3333", "-batch", "4", "-tos", "16"}
	cfg, _, err := parseFlags(args, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.backend != "serial" || cfg.serialDev != "auto" || cfg.remote != "192.0.2.1:3333" || cfg.batch != 4 || cfg.tos != 16 {
		t.Fatalf("flags not applied %+v", cfg)
	}
	if _, _, err := parseFlags([]string{"-batch", "0"}, io.Discard); err == nil {
		t.Fatalf("invalid batch accepted")
	}
	if _, v, _ := parseFlags([]string{"-version"}, io.Discard); !v {
		t.Fatalf("-version not reported")
	}
}
