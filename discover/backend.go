package discover

import (
	"github.com/strideapp/localinfer/format"
)

// Backend identifies an execution path for the tensor executor. The set is
// closed: call sites switch on the value rather than inspecting the
// executor.
type Backend string

const (
	BackendGPU   Backend = "gpu"
	BackendSIMD  Backend = "simd-cpu"
	BackendBasic Backend = "basic-cpu"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendGPU, BackendSIMD, BackendBasic:
		return true
	}
	return false
}

// gpuSafetyMargin is the headroom required beyond the model size before the
// GPU path is allowed. GPU execution needs device memory the host estimate
// cannot see, so a host-side squeeze disqualifies it outright.
const gpuSafetyMargin = 512 * format.MebiByte

// SelectBackend returns the best backend for the given capabilities. An
// explicit preference is honored only if the underlying capability exists;
// otherwise backends rank gpu > simd-cpu > basic-cpu.
//
// If modelSize is non-zero and the estimated headroom after loading the
// model falls below the safety margin, gpu is downgraded to the best CPU
// path regardless of preference.
func SelectBackend(caps Capabilities, preferred Backend, modelSize int64) Backend {
	gpuOK := caps.GPU
	if gpuOK && modelSize > 0 && caps.TotalMemory > 0 {
		if int64(caps.TotalMemory)-modelSize < gpuSafetyMargin {
			gpuOK = false
		}
	}

	if preferred.Valid() && available(caps, preferred) && (preferred != BackendGPU || gpuOK) {
		return preferred
	}

	switch {
	case gpuOK:
		return BackendGPU
	case caps.SIMD:
		return BackendSIMD
	default:
		return BackendBasic
	}
}

func available(caps Capabilities, b Backend) bool {
	switch b {
	case BackendGPU:
		return caps.GPU
	case BackendSIMD:
		return caps.SIMD
	case BackendBasic:
		return true
	}
	return false
}
