package netio

import (
	"sync"
	"time"
)

var timers = &timerPool{}

// timerPool recycles timers across deadline waits so that hot send/recv
// paths do not allocate a timer per call.
type timerPool struct {
	sp sync.Pool
}

func (p *timerPool) acquire(timeout time.Duration) *time.Timer {
	v := p.sp.Get()
	if v == nil {
		return time.NewTimer(timeout)
	}
	t := v.(*time.Timer)
	t.Reset(timeout)
	return t
}

func (p *timerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
}
