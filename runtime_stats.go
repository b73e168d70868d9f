package main

import (
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
)

// gcPauseWindow tracks GC pauses between stats report ticks.
// Invariant: pauses is called from the reporter goroutine only.
type gcPauseWindow struct {
	lastNumGC   uint32
	initialized bool
}

// pauses returns the p99 of pauses recorded since the previous call and how
// many were considered. truncated is set when more GCs ran than the runtime's
// pause ring retains.
func (w *gcPauseWindow) pauses(mem *runtime.MemStats) (p99 time.Duration, count int, truncated bool) {
	if mem == nil {
		return 0, 0, false
	}
	if !w.initialized {
		w.lastNumGC = mem.NumGC
		w.initialized = true
		return 0, 0, false
	}
	if mem.NumGC <= w.lastNumGC {
		return 0, 0, false
	}
	fresh := int(mem.NumGC - w.lastNumGC)
	w.lastNumGC = mem.NumGC

	ring := len(mem.PauseNs)
	if fresh > ring {
		fresh = ring
		truncated = true
	}
	recent := make([]uint64, 0, fresh)
	for i := 0; i < fresh; i++ {
		// PauseNs[(NumGC-1)%256] is the most recent pause.
		idx := (int(mem.NumGC) - 1 - i + ring*2) % ring
		if v := mem.PauseNs[idx]; v > 0 {
			recent = append(recent, v)
		}
	}
	if len(recent) == 0 {
		return 0, 0, truncated
	}
	slices.Sort(recent)
	return time.Duration(recent[int(float64(len(recent)-1)*0.99)]), len(recent), truncated
}

// runtimeLine summarizes heap, goroutines and GC pauses for the stats report.
func (w *gcPauseWindow) runtimeLine() string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	p99, count, truncated := w.pauses(&mem)
	gc := "GC: idle"
	if count > 0 {
		gc = fmt.Sprintf("GC p99: %s over %d pauses", p99, count)
		if truncated {
			gc += " (truncated)"
		}
	}
	return fmt.Sprintf("Heap: %s | Goroutines: %d | %s",
		humanize.IBytes(mem.HeapAlloc), runtime.NumGoroutine(), gc)
}
