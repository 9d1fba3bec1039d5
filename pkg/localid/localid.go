// Package localid hands out client-generated identifiers for
// optimistic messages that have no server id yet.
package localid

import (
	"sync"
	"time"
)

const (
	stepBits        = 10
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// Generator produces ids that are strictly increasing for the life of
// the process: wall-clock milliseconds with a per-millisecond step
// counter.
type Generator struct {
	mu   sync.Mutex
	time int64
	step int64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Generate() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.time {
		// Clock moved backwards, keep issuing from the last seen time.
		now = g.time
	}

	if g.time == now {
		g.step = (g.step + 1) & stepMask
		if g.step == 0 {
			for now <= g.time {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.step = 0
	}

	g.time = now

	return ((now - epoch) << timeShift) | g.step
}
