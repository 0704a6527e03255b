package serial

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// ErrNoAdapter is returned by Detect when no USB serial port is present.
var ErrNoAdapter = errors.New("serial: no USB adapter found")

// USB vendor IDs of common USB-serial bridges used by CAN adapters:
// FTDI, STMicro (CDC-ACM), WCH CH340, Silicon Labs CP210x.
var knownVIDs = []string{"0403", "0483", "1A86", "10C4"}

// listPorts is a hook for tests.
var listPorts = enumerator.GetDetailedPortsList

// Detect returns the device name of the first USB serial port, preferring
// ports whose vendor is a known USB-serial bridge.
func Detect() (string, error) {
	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	var fallback string
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		for _, vid := range knownVIDs {
			if strings.EqualFold(p.VID, vid) {
				return p.Name, nil
			}
		}
		if fallback == "" {
			fallback = p.Name
		}
	}
	if fallback == "" {
		return "", ErrNoAdapter
	}
	return fallback, nil
}
