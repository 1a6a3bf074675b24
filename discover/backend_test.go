package discover

import (
	"testing"

	"github.com/strideapp/localinfer/format"
)

func TestSelectBackendRanking(t *testing.T) {
	cases := []struct {
		name      string
		caps      Capabilities
		preferred Backend
		modelSize int64
		want      Backend
	}{
		{
			name: "gpu preferred when available",
			caps: Capabilities{GPU: true, SIMD: true},
			want: BackendGPU,
		},
		{
			name: "simd when no gpu",
			caps: Capabilities{GPU: false, SIMD: true},
			want: BackendSIMD,
		},
		{
			name: "basic as last resort",
			caps: Capabilities{},
			want: BackendBasic,
		},
		{
			name:      "explicit preference honored over gpu",
			caps:      Capabilities{GPU: true, SIMD: true},
			preferred: BackendBasic,
			want:      BackendBasic,
		},
		{
			name:      "preference ignored when capability missing",
			caps:      Capabilities{GPU: false, SIMD: true},
			preferred: BackendGPU,
			want:      BackendSIMD,
		},
		{
			name:      "invalid preference falls back to ranking",
			caps:      Capabilities{SIMD: true},
			preferred: Backend("webgpu"),
			want:      BackendSIMD,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectBackend(tt.caps, tt.preferred, tt.modelSize); got != tt.want {
				t.Errorf("SelectBackend() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSelectBackendMemoryDowngrade(t *testing.T) {
	caps := Capabilities{
		GPU:         true,
		SIMD:        true,
		TotalMemory: 4 * format.GibiByte,
	}

	// model barely fits: headroom below the safety margin downgrades gpu
	got := SelectBackend(caps, BackendGPU, 4*format.GibiByte-256*format.MebiByte)
	if got != BackendSIMD {
		t.Errorf("SelectBackend() = %q, want %q after memory downgrade", got, BackendSIMD)
	}

	// plenty of headroom keeps gpu
	got = SelectBackend(caps, "", 1*format.GibiByte)
	if got != BackendGPU {
		t.Errorf("SelectBackend() = %q, want %q with headroom", got, BackendGPU)
	}

	// unknown memory estimate never downgrades
	caps.TotalMemory = 0
	got = SelectBackend(caps, "", 16*format.GibiByte)
	if got != BackendGPU {
		t.Errorf("SelectBackend() = %q, want %q with unknown memory", got, BackendGPU)
	}
}
