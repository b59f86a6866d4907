// Package policy translates a requested session profile into concrete
// sandbox resource and isolation limits.
package policy

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/pocket/internal/errdefs"
)

const mb = 1 << 20

// NetworkMode is the sandbox network attachment. Neither mode publishes
// ports, so a sandbox is never reachable from outside.
type NetworkMode string

const (
	NetworkNone NetworkMode = "none" // no interfaces besides loopback
	// NetworkEgress joins a bridge with inter-container traffic disabled:
	// outbound only, and sandboxes cannot reach each other.
	NetworkEgress NetworkMode = "egress"
)

// Limits are the resolved constraints for one sandbox. Immutable once set on
// a session.
type Limits struct {
	CPUs        float64     `json:"cpus"`
	CPUShares   int64       `json:"cpuShares"`
	MemoryBytes int64       `json:"memory"`
	DiskBytes   int64       `json:"disk"`
	PidsLimit   int64       `json:"pids"`
	Network     NetworkMode `json:"network"`
}

// Profile is one row of the profile table as written in config.
type Profile struct {
	CPUs      float64 `mapstructure:"cpus" yaml:"cpus"`
	CPUShares int64   `mapstructure:"cpu_shares" yaml:"cpu_shares"`
	MemoryMB  int64   `mapstructure:"memory_mb" yaml:"memory_mb"`
	DiskMB    int64   `mapstructure:"disk_mb" yaml:"disk_mb"`
	Pids      int64   `mapstructure:"pids" yaml:"pids"`
	Network   string  `mapstructure:"network" yaml:"network"`
}

// DefaultProfiles returns the built-in profile table.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"small": {
			CPUs:      0.5,
			CPUShares: 512,
			MemoryMB:  256,
			DiskMB:    512,
			Pids:      128,
			Network:   string(NetworkNone),
		},
		"medium": {
			CPUs:      1.0,
			CPUShares: 1024,
			MemoryMB:  512,
			DiskMB:    1024,
			Pids:      256,
			Network:   string(NetworkNone),
		},
	}
}

// Policy holds a validated profile table. Resolve is a pure lookup.
type Policy struct {
	limits map[string]Limits
}

// New validates the table and returns a Policy over it.
func New(table map[string]Profile) (*Policy, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: empty profile table", errdefs.ErrInvalidConfig)
	}
	p := &Policy{limits: make(map[string]Limits, len(table))}
	for name, prof := range table {
		l, err := prof.limits()
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		p.limits[name] = l
	}
	return p, nil
}

// Resolve returns the limits for the named profile.
func (p *Policy) Resolve(name string) (Limits, error) {
	l, ok := p.limits[name]
	if !ok {
		return Limits{}, fmt.Errorf("%w: unknown profile %q", errdefs.ErrInvalidConfig, name)
	}
	return l, nil
}

// Names returns the profile names in sorted order.
func (p *Policy) Names() []string {
	names := make([]string, 0, len(p.limits))
	for name := range p.limits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (prof Profile) limits() (Limits, error) {
	if prof.CPUs <= 0 {
		return Limits{}, fmt.Errorf("%w: cpus must be positive", errdefs.ErrInvalidConfig)
	}
	if prof.MemoryMB < 6 {
		// The runtime rejects memory limits below 6MB.
		return Limits{}, fmt.Errorf("%w: memory_mb must be at least 6", errdefs.ErrInvalidConfig)
	}
	if prof.DiskMB <= 0 {
		return Limits{}, fmt.Errorf("%w: disk_mb must be positive", errdefs.ErrInvalidConfig)
	}
	if prof.Pids <= 0 {
		return Limits{}, fmt.Errorf("%w: pids must be positive", errdefs.ErrInvalidConfig)
	}

	network := NetworkMode(prof.Network)
	switch network {
	case "":
		network = NetworkNone
	case "bridge":
		network = NetworkEgress
	case NetworkNone, NetworkEgress:
	default:
		return Limits{}, fmt.Errorf("%w: network %q not allowed", errdefs.ErrInvalidConfig, prof.Network)
	}

	shares := prof.CPUShares
	if shares <= 0 {
		shares = int64(prof.CPUs * 1024)
	}

	return Limits{
		CPUs:        prof.CPUs,
		CPUShares:   shares,
		MemoryBytes: prof.MemoryMB * mb,
		DiskBytes:   prof.DiskMB * mb,
		PidsLimit:   prof.Pids,
		Network:     network,
	}, nil
}

// LoadProfiles reads a profile table from a YAML file.
func LoadProfiles(path string) (map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles %s: %w", path, err)
	}

	var table map[string]Profile
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing profiles %s: %w", path, err)
	}
	return table, nil
}
