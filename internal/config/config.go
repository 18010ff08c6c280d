// Package config loads machine descriptions from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config describes an instance: its bootrom and the set of emulated
// devices to attach.
type Config struct {
	Name    string `yaml:"name,omitempty"`
	Bootrom string `yaml:"bootrom,omitempty"`

	Devices     map[string]Device      `yaml:"devices"`
	BlockDevs   map[string]BlockDevice `yaml:"blockDevs,omitempty"`
	ChipsetOpts ChipsetOptions         `yaml:"chipset,omitempty"`
}

// Device is one device entry. Driver selects the device model; Options
// carries driver-specific settings.
type Device struct {
	Driver  string         `yaml:"driver"`
	Options map[string]any `yaml:",inline"`
}

// BlockDevice is a backing store a storage device can reference.
type BlockDevice struct {
	Type string         `yaml:"type"`
	Opts map[string]any `yaml:",inline"`
}

// ChipsetOptions tunes the platform devices.
type ChipsetOptions struct {
	ComPorts int `yaml:"comPorts,omitempty"`
}

func (c *Config) normalize() {
	if c.Devices == nil {
		c.Devices = map[string]Device{}
	}
	if c.ChipsetOpts.ComPorts == 0 {
		c.ChipsetOpts.ComPorts = 1
	}
}

func (c *Config) validate() error {
	if c.ChipsetOpts.ComPorts < 0 || c.ChipsetOpts.ComPorts > 4 {
		return fmt.Errorf("comPorts %d out of range 0-4", c.ChipsetOpts.ComPorts)
	}
	for name, dev := range c.Devices {
		if dev.Driver == "" {
			return fmt.Errorf("device %q has no driver", name)
		}
	}
	for name, bd := range c.BlockDevs {
		if bd.Type == "" {
			return fmt.Errorf("block device %q has no type", name)
		}
	}
	return nil
}

// Parse loads and validates a config file.
func Parse(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseBytes(data)
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Str returns a string-typed option, or def when absent.
func (d Device) Str(key, def string) string {
	v, ok := d.Options[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// Int returns an integer-typed option, accepting YAML ints and numeric
// strings, or def when absent or malformed.
func (d Device) Int(key string, def int) int {
	v, ok := d.Options[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		if i, err := strconv.Atoi(t); err == nil {
			return i
		}
	}
	return def
}

// Bool returns a boolean-typed option, or def when absent.
func (d Device) Bool(key string, def bool) bool {
	v, ok := d.Options[key]
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// Slot returns the pci-slot option as a device number, or def when absent.
func (d Device) Slot(def int) int {
	return d.Int("pci-slot", def)
}
