// Package selector implements the priority/vendor-rank runner selection
// algorithm described in SPEC_FULL.md §4.2, consuming a registry.Registry.
package selector

import (
	"sort"

	"github.com/aidispatch/dispatcher/internal/inference"
	"github.com/aidispatch/dispatcher/internal/registry"
)

// vendorClass buckets a vendor for the fixed per-capability ranking in
// defaultVendorRank. Lower ranks are preferred. A vendor with no name and
// neither flag set falls into the "unknown" bucket.
type vendorClass int

const (
	vendorLocalAccelerator vendorClass = iota
	vendorLocalCPU
	vendorCloud
	vendorUnknown
)

func classify(v inference.Vendor) vendorClass {
	switch {
	case v.RequiresInternet:
		return vendorCloud
	case v.RequiresSpecialHardware:
		return vendorLocalAccelerator
	case v.Name == "":
		return vendorUnknown
	default:
		return vendorLocalCPU
	}
}

// defaultVendorRank is the fixed table referenced by SPEC_FULL.md §4.2: for
// every capability, local-accelerator < local-CPU < cloud < unknown. The
// ranking is currently capability-independent, but kept as a table (rather
// than a bare classify()) so a future capability can override it.
var defaultVendorRank = map[vendorClass]int{
	vendorLocalAccelerator: 0,
	vendorLocalCPU:         1,
	vendorCloud:            2,
	vendorUnknown:          3,
}

func vendorRankFor(_ inference.Capability, v inference.Vendor) int {
	return defaultVendorRank[classify(v)]
}

// Selector chooses a runner for a capability, optionally pinned to a
// preferred runner name, per SPEC_FULL.md §4.2.
type Selector struct {
	registry *registry.Registry
}

// New creates a Selector backed by reg.
func New(reg *registry.Registry) *Selector {
	return &Selector{registry: reg}
}

// Select returns the chosen runner, or a ResultError carrying one of
// RUNNER_NOT_FOUND, CAPABILITY_NOT_SUPPORTED, HARDWARE_NOT_SUPPORTED.
func (s *Selector) Select(capability inference.Capability, preferredRunnerName string) (inference.Runner, *inference.ResultError) {
	var candidate inference.Runner

	if preferredRunnerName != "" {
		candidate = s.registry.Lookup(preferredRunnerName)
		if candidate == nil {
			return nil, &inference.ResultError{
				Code:    inference.CodeRunnerNotFound,
				Message: "no runner registered as " + preferredRunnerName,
			}
		}
	} else {
		runners := s.registry.ListFor(capability)
		ranked := make([]inference.Runner, len(runners))
		copy(ranked, runners)
		sort.SliceStable(ranked, func(i, j int) bool {
			ii, ij := ranked[i].Info(), ranked[j].Info()
			if ii.Priority != ij.Priority {
				return ii.Priority < ij.Priority
			}
			ri := vendorRankFor(capability, ii.Vendor)
			rj := vendorRankFor(capability, ij.Vendor)
			if ri != rj {
				return ri < rj
			}
			return s.registry.RegistrationOrder(ii.Name) < s.registry.RegistrationOrder(ij.Name)
		})

		for _, r := range ranked {
			if isSupportedSafe(r) {
				candidate = r
				break
			}
		}

		if candidate == nil {
			if len(ranked) == 0 {
				return nil, &inference.ResultError{
					Code:    inference.CodeRunnerNotFound,
					Message: "no runner registered for capability " + string(capability),
				}
			}
			return nil, &inference.ResultError{
				Code:    inference.CodeHardwareNotSupported,
				Message: "no runner for capability " + string(capability) + " reports hardware support",
			}
		}
	}

	if !candidate.Info().HasCapability(capability) {
		return nil, &inference.ResultError{
			Code:    inference.CodeCapabilityNotSupported,
			Message: candidate.Info().Name + " does not declare capability " + string(capability),
		}
	}

	if !isSupportedSafe(candidate) {
		return nil, &inference.ResultError{
			Code:    inference.CodeHardwareNotSupported,
			Message: candidate.Info().Name + " is not supported on this hardware",
		}
	}

	return candidate, nil
}

// isSupportedSafe calls runner.IsSupported(), treating a panic in the probe
// itself as "assume supported" (fail-safe): only an explicit false return is
// authoritative, per SPEC_FULL.md §4.2 step 3.
func isSupportedSafe(r inference.Runner) (supported bool) {
	supported = true
	defer func() {
		if recover() != nil {
			supported = true
		}
	}()
	return r.IsSupported()
}
