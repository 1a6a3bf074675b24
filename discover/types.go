// Package discover probes the host for execution capabilities and ranks
// the available inference backends.
package discover

// Capabilities describes what the host can do. Fields are best effort:
// a failed probe leaves its field false (or zero), never an error.
type Capabilities struct {
	// GPU reports whether a GPU-backed execution path is usable.
	GPU bool `json:"gpu"`

	// SIMD reports whether the CPU supports vector instructions useful
	// for inference (AVX2 on amd64, NEON on arm64).
	SIMD bool `json:"simd"`

	// Threads reports whether multi-threaded execution is worthwhile
	// (more than one logical CPU).
	Threads bool `json:"threads"`

	// TotalMemory is a coarse estimate of host memory in bytes.
	// Zero means unknown.
	TotalMemory uint64 `json:"total_memory,omitempty"`
}

type memInfo struct {
	TotalMemory uint64
	FreeMemory  uint64
}
