package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-cannelloni-bridge/internal/bridge"
	"github.com/kstaniek/go-cannelloni-bridge/internal/cnl"
)

const envPrefix = "CANNELLONI_"

// UDP payload limit for IPv4 (65535 - 20 IP - 8 UDP).
const maxUDPDatagram = 65507

type appConfig struct {
	backend         string
	canIf           string
	canFD           bool
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	bindAddr        string
	remote          string
	txQueue         int
	rxQueue         int
	batch           int
	maxDatagram     int
	pollInterval    time.Duration
	tos             int
	multicastIf     string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// parseFlags parses args, applies CANNELLONI_* overrides for flags that were
// not set explicitly and validates the result.
func parseFlags(args []string, out io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs := flag.NewFlagSet("cannelloni-bridge", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|serial")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when -backend=socketcan)")
	fs.BoolVar(&cfg.canFD, "can-fd", false, "Enable CAN FD frames on the SocketCAN interface")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path, or auto to detect a USB adapter")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.bindAddr, "bind", "0.0.0.0:1234", "Local UDP address")
	fs.StringVar(&cfg.remote, "remote", "", "Peer UDP address host:port; empty learns the peer from the first datagram")
	fs.IntVar(&cfg.txQueue, "tx-queue", bridge.DefaultQueueSize, "CAN->UDP queue size (frames)")
	fs.IntVar(&cfg.rxQueue, "rx-queue", bridge.DefaultQueueSize, "UDP->CAN queue size (frames)")
	fs.IntVar(&cfg.batch, "batch", bridge.DefaultBatchSize, "Maximum frames per datagram (1..255)")
	fs.IntVar(&cfg.maxDatagram, "max-datagram", bridge.DefaultMaxDatagram, "Maximum datagram size in bytes")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 100*time.Millisecond, "Bound for blocking receives; shutdown latency")
	fs.IntVar(&cfg.tos, "tos", 0, "IPv4 TOS byte for outgoing datagrams (0 leaves the default)")
	fs.StringVar(&cfg.multicastIf, "multicast-if", "", "Interface for a multicast -remote group")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the bridge via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default cannelloni-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or sockets.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan":
		if c.canIf == "" {
			return errors.New("can-if must be set for the socketcan backend")
		}
	case "serial":
		if c.canFD {
			return errors.New("can-fd is not supported by the serial backend")
		}
		if c.serialDev == "" {
			return errors.New("serial must be set for the serial backend")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if _, _, err := net.SplitHostPort(c.bindAddr); err != nil {
		return fmt.Errorf("invalid bind %q: %w", c.bindAddr, err)
	}
	if c.remote != "" {
		if _, _, err := net.SplitHostPort(c.remote); err != nil {
			return fmt.Errorf("invalid remote %q: %w", c.remote, err)
		}
	}
	if c.txQueue <= 0 || c.rxQueue <= 0 {
		return fmt.Errorf("queue sizes must be > 0 (tx %d, rx %d)", c.txQueue, c.rxQueue)
	}
	if c.batch < 1 || c.batch > cnl.MaxCount {
		return fmt.Errorf("batch must be 1..%d (got %d)", cnl.MaxCount, c.batch)
	}
	if minSize := cnl.HeaderSize + cnl.FrameHeaderSize + 64; c.maxDatagram < minSize || c.maxDatagram > maxUDPDatagram {
		return fmt.Errorf("max-datagram must be %d..%d (got %d)", minSize, maxUDPDatagram, c.maxDatagram)
	}
	if c.pollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	if c.tos < 0 || c.tos > 255 {
		return fmt.Errorf("tos must be 0..255 (got %d)", c.tos)
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// envOverrides collects CANNELLONI_* values for flags that were not set on the
// command line. The first parse error is kept; later values still apply.
type envOverrides struct {
	set      map[string]struct{}
	firstErr error
}

func (e *envOverrides) lookup(flagName string) (string, string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", "", false
	}
	key := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return key, v, ok && v != ""
}

func (e *envOverrides) fail(key string, err error) {
	if e.firstErr == nil {
		e.firstErr = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *envOverrides) stringVar(flagName string, dst *string) {
	if _, v, ok := e.lookup(flagName); ok {
		*dst = v
	}
}

func (e *envOverrides) intVar(flagName string, dst *int) {
	if key, v, ok := e.lookup(flagName); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envOverrides) durationVar(flagName string, dst *time.Duration) {
	if key, v, ok := e.lookup(flagName); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

func (e *envOverrides) boolVar(flagName string, dst *bool) {
	if key, v, ok := e.lookup(flagName); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			e.fail(key, fmt.Errorf("not a boolean: %q", v))
		}
	}
}

// applyEnvOverrides maps CANNELLONI_<FLAG> environment variables (flag name
// upper-cased, dashes as underscores) to config fields unless the flag was
// explicitly set. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envOverrides{set: set}
	e.stringVar("backend", &c.backend)
	e.stringVar("can-if", &c.canIf)
	e.boolVar("can-fd", &c.canFD)
	e.stringVar("serial", &c.serialDev)
	e.intVar("baud", &c.baud)
	e.durationVar("serial-read-timeout", &c.serialReadTO)
	e.stringVar("bind", &c.bindAddr)
	e.stringVar("remote", &c.remote)
	e.intVar("tx-queue", &c.txQueue)
	e.intVar("rx-queue", &c.rxQueue)
	e.intVar("batch", &c.batch)
	e.intVar("max-datagram", &c.maxDatagram)
	e.durationVar("poll-interval", &c.pollInterval)
	e.intVar("tos", &c.tos)
	e.stringVar("multicast-if", &c.multicastIf)
	e.stringVar("log-format", &c.logFormat)
	e.stringVar("log-level", &c.logLevel)
	e.stringVar("metrics-addr", &c.metricsAddr)
	e.durationVar("log-metrics-interval", &c.logMetricsEvery)
	e.boolVar("mdns-enable", &c.mdnsEnable)
	e.stringVar("mdns-name", &c.mdnsName)
	return e.firstErr
}
