package resources

import (
	"github.com/jaypipes/ghw"

	"github.com/aidispatch/dispatcher/internal/logging"
)

// HasLocalAccelerator probes the host for a dedicated GPU via jaypipes/ghw,
// the library the teacher's own pkg/gpuinfo uses for VRAM/topology
// detection, generalized here from "VRAM for llama.cpp" to "is there any
// accelerator worth registering a LocalAccelerator runner for". Faults are
// treated as "no accelerator" rather than propagated, matching the
// fail-safe posture SPEC_FULL.md §4.3 prescribes for resource probing.
func HasLocalAccelerator(log logging.Logger) bool {
	info, err := ghw.GPU()
	if err != nil {
		log.Warnf("resources: could not probe GPU topology: %s", err)
		return false
	}
	for _, card := range info.GraphicsCards {
		if card.DeviceInfo != nil && card.DeviceInfo.Vendor != nil {
			return true
		}
	}
	return false
}
