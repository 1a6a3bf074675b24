package discover

import "golang.org/x/sys/unix"

// probeGPU reports true on darwin: Apple silicon and supported Intel Macs
// expose Metal, which backs the CoreML execution provider.
func probeGPU() bool {
	return true
}

func getMemInfo() (memInfo, error) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return memInfo{}, err
	}
	// Free memory is not cheaply observable on darwin; report total only.
	return memInfo{TotalMemory: total}, nil
}
