package report

import (
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
)

// Usage is the resources one merge consumed.
type Usage struct {
	Wall time.Duration `json:"wall_ns"`
	// HeapDelta is the change in live heap bytes; it can be negative.
	HeapDelta int64         `json:"heap_delta_bytes"`
	CPUUser   time.Duration `json:"cpu_user_ns"`
	CPUSystem time.Duration `json:"cpu_system_ns"`
}

// Meter measures resource usage between StartMeter and Stop. CPU times are
// process wide, so they include concurrent merges.
type Meter struct {
	clock     clockwork.Clock
	start     time.Time
	heap      uint64
	user, sys time.Duration
}

func StartMeter(clock clockwork.Clock) *Meter {
	m := &Meter{clock: clock, start: clock.Now(), heap: heapAlloc()}
	m.user, m.sys = cpuTimes()
	return m
}

func (m *Meter) Stop() Usage {
	user, sys := cpuTimes()
	return Usage{
		Wall:      m.clock.Since(m.start),
		HeapDelta: int64(heapAlloc()) - int64(m.heap),
		CPUUser:   user - m.user,
		CPUSystem: sys - m.sys,
	}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
