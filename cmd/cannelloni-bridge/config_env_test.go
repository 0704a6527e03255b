package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()
	t.Setenv("CANNELLONI_BAUD", "230400")
	t.Setenv("CANNELLONI_MDNS_ENABLE", "true")
	t.Setenv("CANNELLONI_CAN_FD", "yes")
	t.Setenv("CANNELLONI_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("CANNELLONI_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CANNELLONI_REMOTE", " 192.0.2.7:1234 ")
	t.Setenv("CANNELLONI_TX_QUEUE", "128")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable || !base.canFD {
		t.Fatalf("expected boolean overrides, got mdns=%v fd=%v", base.mdnsEnable, base.canFD)
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.remote != "192.0.2.7:1234" || base.txQueue != 128 {
		t.Fatalf("remote=%q txQueue=%d", base.remote, base.txQueue)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	t.Setenv("CANNELLONI_BAUD", "230400")
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	for key, val := range map[string]string{
		"CANNELLONI_RX_QUEUE":      "notint",
		"CANNELLONI_POLL_INTERVAL": "soon",
		"CANNELLONI_MDNS_ENABLE":   "maybe",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if err := applyEnvOverrides(baseConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}
