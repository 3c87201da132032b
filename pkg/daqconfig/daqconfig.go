// Package daqconfig is the ambient process-configuration layer
// SPEC_FULL.md §6 calls for: a small YAML-loaded struct covering the
// serial port, per-transaction timeout, decoder backpressure, and the
// register-map file, loaded with gopkg.in/yaml.v3 the way the teacher
// pack's top-level CLI loads its own run configuration.
package daqconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration.
type Config struct {
	Serial    SerialConfig  `yaml:"serial"`
	RMAP      RMAPConfig    `yaml:"rmap"`
	Decoder   DecoderConfig `yaml:"decoder"`
	Registers string        `yaml:"register_map"` // path to an .ini register map
}

// SerialConfig describes the UART device.
type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// RMAPConfig holds per-transaction RMAP defaults.
type RMAPConfig struct {
	TargetLogicalAddress    uint8         `yaml:"target_logical_address"`
	InitiatorLogicalAddress uint8         `yaml:"initiator_logical_address"`
	Key                     uint8         `yaml:"key"`
	Timeout                 time.Duration `yaml:"timeout"`
}

// DecoderConfig holds the decoder pipeline's tunables.
type DecoderConfig struct {
	MaxQueuedLists int           `yaml:"max_queued_lists"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// Default returns the configuration this repository ships with when
// no file is supplied, matching the wire-level defaults in spec.md §6
// (230400 baud, target LA 0xFE, key 0x20, 1000ms timeout).
func Default() Config {
	return Config{
		Serial: SerialConfig{Device: "/dev/ttyUSB0", Baud: 230400},
		RMAP: RMAPConfig{
			TargetLogicalAddress:    0xFE,
			InitiatorLogicalAddress: 0xFE,
			Key:                     0x20,
			Timeout:                 time.Second,
		},
		Decoder: DecoderConfig{
			MaxQueuedLists: 256,
			PollInterval:   10 * time.Millisecond,
		},
	}
}

// Load reads and parses a YAML configuration file, starting from
// Default() so a partial file only overrides what it specifies.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("daqconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("daqconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}
