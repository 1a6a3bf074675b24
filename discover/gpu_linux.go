package discover

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// probeGPU checks for a usable GPU without loading any vendor libraries.
// Device nodes are enough to decide whether the GPU execution provider is
// worth attempting; session creation remains the authoritative check.
func probeGPU() bool {
	for _, p := range []string{
		"/dev/nvidiactl",             // NVIDIA
		"/proc/driver/nvidia/gpus",   // NVIDIA (containers often lack /dev)
		"/dev/kfd",                   // AMD ROCm
	} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}

	// DRM render nodes cover remaining vendors
	matches, err := filepath.Glob("/dev/dri/renderD*")
	return err == nil && len(matches) > 0
}

func getMemInfo() (memInfo, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return memInfo{}, err
	}
	defer f.Close()

	var mem memInfo
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		var field *uint64
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			field = &mem.TotalMemory
		case strings.HasPrefix(line, "MemAvailable:"):
			field = &mem.FreeMemory
		default:
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		*field = kb * 1024
	}

	return mem, s.Err()
}
