package discovery

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes the ordered scan layout.
type Config struct {
	// Prefixes are /24 networks written as three octets, scanned in order.
	Prefixes []string `yaml:"prefixes"`
	// PriorityHosts are host suffixes probed first in every prefix.
	PriorityHosts []int `yaml:"priority_hosts"`
	// PriorityTimeout bounds each probe of the priority pass.
	PriorityTimeout time.Duration `yaml:"priority_timeout"`
	// SweepTimeout bounds each probe of the full 1-254 fallback pass.
	SweepTimeout time.Duration `yaml:"sweep_timeout"`
	// MaxConcurrent caps in-flight probes per pass; 0 means unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultConfig returns the common home-router-first layout. The sweep pass
// deliberately uses a shorter per-probe timeout than the priority pass.
func DefaultConfig() Config {
	return Config{
		Prefixes:        []string{"192.168.1", "192.168.0", "10.0.0", "172.16.0", "192.168.2"},
		PriorityHosts:   []int{100, 101, 102, 1, 2, 10, 20, 50},
		PriorityTimeout: 800 * time.Millisecond,
		SweepTimeout:    500 * time.Millisecond,
		MaxConcurrent:   0,
	}
}

// LoadConfig reads a YAML scan layout. Missing fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("scan config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("scan config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every prefix is a three-octet IPv4 network and every
// priority host is in 1-254.
func (c Config) Validate() error {
	if len(c.Prefixes) == 0 {
		return fmt.Errorf("scan config: no prefixes")
	}
	for i, p := range c.Prefixes {
		if ip := net.ParseIP(p + ".0"); ip == nil || ip.To4() == nil {
			return fmt.Errorf("scan config: prefix[%d] %q is not a three-octet IPv4 prefix", i, p)
		}
	}
	for i, h := range c.PriorityHosts {
		if h < 1 || h > 254 {
			return fmt.Errorf("scan config: priority_hosts[%d] %d out of range 1-254", i, h)
		}
	}
	if c.PriorityTimeout <= 0 || c.SweepTimeout <= 0 {
		return fmt.Errorf("scan config: probe timeouts must be positive")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("scan config: max_concurrent must not be negative")
	}
	return nil
}
