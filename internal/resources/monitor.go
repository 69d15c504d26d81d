// Package resources implements the ResourceMonitor described in
// SPEC_FULL.md §4.3, probing host RAM via elastic/go-sysinfo the way
// pkg/inference/memory/system.go probes it for VRAM/RAM sizing.
package resources

import (
	"github.com/elastic/go-sysinfo"

	"github.com/aidispatch/dispatcher/internal/logging"
)

const bytesPerGB = 1024 * 1024 * 1024

// Monitor is the ResourceMonitor contract: a single probe for currently
// available host RAM, expressed in GB.
type Monitor interface {
	AvailableRamGB() float64
}

type sysinfoMonitor struct {
	log logging.Logger
}

// New returns a Monitor backed by the host's memory info. Faults are
// swallowed per SPEC_FULL.md §4.3: on fault, AvailableRamGB returns 0 so the
// Dispatcher never falsely proceeds as if RAM were available.
func New(log logging.Logger) Monitor {
	return &sysinfoMonitor{log: log}
}

func (m *sysinfoMonitor) AvailableRamGB() float64 {
	host, err := sysinfo.Host()
	if err != nil {
		m.log.Warnf("resources: could not read host info: %s", err)
		return 0
	}
	mem, err := host.Memory()
	if err != nil {
		m.log.Warnf("resources: could not read memory info: %s", err)
		return 0
	}
	// Available favors Free+cache-reclaimable accounting when the platform
	// reports it; fall back to Free, the conservative choice.
	available := mem.Available
	if available == 0 {
		available = mem.Free
	}
	return float64(available) / bytesPerGB
}

// Static is a fixed-value Monitor, useful for tests and for platforms where
// no host probe is available.
type Static float64

// AvailableRamGB returns the fixed value.
func (s Static) AvailableRamGB() float64 { return float64(s) }
