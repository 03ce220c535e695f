package session

import (
	"sync"
	"time"
)

// poller 按固定间隔调用 fn，作为通知丢失时的兜底。stop 可重复调用。
type poller struct {
	interval time.Duration
	fn       func()

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newPoller(interval time.Duration, fn func()) *poller {
	return &poller{
		interval: interval,
		fn:       fn,
		stopCh:   make(chan struct{}),
	}
}

func (p *poller) start() {
	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.fn()
			}
		}
	}()
}

func (p *poller) stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}
