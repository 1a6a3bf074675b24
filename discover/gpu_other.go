//go:build !linux && !darwin

package discover

func probeGPU() bool {
	return false
}

func getMemInfo() (memInfo, error) {
	return memInfo{}, nil
}
