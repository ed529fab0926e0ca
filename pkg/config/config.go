// Package config loads boot-time kernel configuration from an INI-style
// file, the same way gravwell-gravwell's ingesters load theirs: a plain
// struct of exported fields read by gcfg, defaults filled in by
// loadDefaults, then checked by Validate before anything boots.
package config

import (
	"net"
	"os"

	"github.com/gravwell/gcfg"

	kerrors "github.com/raeenos/kernel/pkg/errors"
)

// Kernel is the single [Kernel] section of a boot config file.
type Kernel struct {
	Scheduler_Quantum_Ms    int
	Numa_Nodes              int
	Max_Sockets             int
	Local_Ip                string
	Local_Mac               string
	Fat32_Image_Path        string
	Fat32_Mount_Point       string
	Fat32_Journal_Dir       string
	Fat32_Journal_In_Memory bool
}

// Config is the root of a boot config file.
type Config struct {
	Kernel Kernel
}

const (
	defaultQuantumMs  = 10
	defaultNUMANodes  = 1
	defaultMaxSockets = 256
	defaultLocalIP    = "127.0.0.1"
	defaultLocalMAC   = "02:00:00:00:00:01"
)

// Load reads and validates a config file at path, filling unset fields
// with defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.IoError, "config.Load", "read file", err)
	}
	var c Config
	if err := gcfg.ReadStringInto(&c, string(b)); err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidArgument, "config.Load", "parse", err)
	}
	c.loadDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a valid, all-defaults Config, for running cmd/kernel
// without a config file.
func Default() *Config {
	var c Config
	c.loadDefaults()
	return &c
}

func (c *Config) loadDefaults() {
	if c.Kernel.Scheduler_Quantum_Ms <= 0 {
		c.Kernel.Scheduler_Quantum_Ms = defaultQuantumMs
	}
	if c.Kernel.Numa_Nodes <= 0 {
		c.Kernel.Numa_Nodes = defaultNUMANodes
	}
	if c.Kernel.Max_Sockets <= 0 {
		c.Kernel.Max_Sockets = defaultMaxSockets
	}
	if c.Kernel.Local_Ip == "" {
		c.Kernel.Local_Ip = defaultLocalIP
	}
	if c.Kernel.Local_Mac == "" {
		c.Kernel.Local_Mac = defaultLocalMAC
	}
}

// Validate checks that every field gcfg couldn't validate for us (IP/MAC
// parsing, positive bounds) holds before Boot is handed this config.
func (c *Config) Validate() error {
	if net.ParseIP(c.Kernel.Local_Ip) == nil {
		return kerrors.Newf(kerrors.InvalidArgument, "config.Validate", "invalid Local-IP %q", c.Kernel.Local_Ip)
	}
	if _, err := net.ParseMAC(c.Kernel.Local_Mac); err != nil {
		return kerrors.Newf(kerrors.InvalidArgument, "config.Validate", "invalid Local-MAC %q", c.Kernel.Local_Mac)
	}
	if c.Kernel.Scheduler_Quantum_Ms <= 0 {
		return kerrors.Newf(kerrors.InvalidArgument, "config.Validate", "Scheduler-Quantum-Ms must be positive")
	}
	if c.Kernel.Numa_Nodes <= 0 {
		return kerrors.Newf(kerrors.InvalidArgument, "config.Validate", "NUMA-Nodes must be positive")
	}
	if c.Kernel.Max_Sockets <= 0 {
		return kerrors.Newf(kerrors.InvalidArgument, "config.Validate", "Max-Sockets must be positive")
	}
	return nil
}

// LocalIP parses Local_Ip; Validate guarantees it succeeds.
func (c *Config) LocalIP() net.IP {
	return net.ParseIP(c.Kernel.Local_Ip)
}

// LocalMAC parses Local_Mac; Validate guarantees it succeeds.
func (c *Config) LocalMAC() net.HardwareAddr {
	mac, _ := net.ParseMAC(c.Kernel.Local_Mac)
	return mac
}
