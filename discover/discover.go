package discover

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

// Detect probes the host in parallel and reports its capabilities. No
// probe failure is fatal: a probe that panics or errors simply leaves its
// capability unset. Cancellation returns whatever has been gathered so
// far.
//
// Probe goroutines never touch caps directly; they send setters that are
// applied here, so an early return on cancellation cannot race with a
// probe still in flight.
func Detect(ctx context.Context) Capabilities {
	updates := make(chan func(*Capabilities), 4)

	var wg sync.WaitGroup
	probe := func(name string, fn func() func(*Capabilities)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Debug("capability probe failed", "probe", name, "error", r)
				}
			}()
			updates <- fn()
		}()
	}

	probe("gpu", func() func(*Capabilities) {
		gpu := probeGPU()
		return func(c *Capabilities) { c.GPU = gpu }
	})
	probe("simd", func() func(*Capabilities) {
		simd := probeSIMD()
		return func(c *Capabilities) { c.SIMD = simd }
	})
	probe("threads", func() func(*Capabilities) {
		threads := runtime.NumCPU() > 1
		return func(c *Capabilities) { c.Threads = threads }
	})
	probe("memory", func() func(*Capabilities) {
		mem, err := getMemInfo()
		if err != nil {
			slog.Debug("memory probe failed", "error", err)
			return func(*Capabilities) {}
		}
		return func(c *Capabilities) { c.TotalMemory = mem.TotalMemory }
	})

	go func() {
		wg.Wait()
		close(updates)
	}()

	var caps Capabilities
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				slog.Debug("detected capabilities", "gpu", caps.GPU, "simd", caps.SIMD,
					"threads", caps.Threads, "total_memory", caps.TotalMemory)
				return caps
			}
			update(&caps)
		case <-ctx.Done():
			return caps
		}
	}
}

func probeSIMD() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasAVX2
	case "arm64":
		return cpu.ARM64.HasASIMD
	}
	return false
}
