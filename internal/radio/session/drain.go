package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/meshlink-go/internal/radio"
	"github.com/lk2023060901/meshlink-go/pkg/log"
	"github.com/lk2023060901/meshlink-go/pkg/metrics"
	"github.com/lk2023060901/meshlink-go/pkg/util/conc"
)

// Trigger 标记一次读取排空的触发来源。
type Trigger string

const (
	TriggerNotify Trigger = "notify"
	TriggerPoll   Trigger = "poll"
	TriggerWrite  Trigger = "write"
)

// cycle 保存一个连接周期内的后台资源。
//
// 通知与轮询两路触发都投递到容量为 1 的 requests 中，
// 已有待处理请求时新的请求被合并，由单个 worker 依次执行排空。
type cycle struct {
	ctx    context.Context
	cancel context.CancelFunc

	requests chan Trigger
	done     chan struct{}
	stopOnce sync.Once

	// running 在 worker 启动后置位，由会话的 mu 保护。
	// 置位之前读到数据不会把会话推进到 Connected。
	running bool

	handshake *conc.Future[struct{}]
}

func newCycle() *cycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &cycle{
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan Trigger, 1),
		done:     make(chan struct{}),
	}
}

// request 投递一次排空请求，被合并或周期已结束时返回 false。
func (c *cycle) request(t Trigger) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.requests <- t:
		return true
	default:
		return false
	}
}

func (c *cycle) run(pass func(Trigger)) {
	for {
		select {
		case <-c.done:
			return
		case t := <-c.requests:
			pass(t)
		}
	}
}

// start 在独立协程中运行 worker，周期结束后退出。
func (c *cycle) start(pass func(Trigger)) {
	conc.Go(func() (struct{}, error) {
		c.run(pass)
		return struct{}{}, nil
	})
}

func (c *cycle) stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// drainPass 反复读取读特征直到读到空值或出错，每段非空数据交付给 Consumer。
//
// 排空在会话内串行执行。读取错误只结束本次排空，不重试，等待下一次触发。
// 返回本次交付的数据段数。
func (s *BaseSession) drainPass(trigger Trigger) int {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	return s.drainLocked(trigger)
}

// drainLocked 要求调用方持有 drainMu。
// 回调期间 drainMu 仍被持有，回调内的 Write 不会再同步排空，而是投递给 worker。
func (s *BaseSession) drainLocked(trigger Trigger) int {
	s.mu.Lock()
	handle, cyc, open := s.handle, s.cycle, s.open
	s.mu.Unlock()
	if !open || cyc == nil {
		return 0
	}

	metrics.DrainPasses.WithLabelValues(string(trigger)).Inc()
	// 进行中的读取不随周期取消而中断。
	ctx := context.WithoutCancel(cyc.ctx)

	chunks := 0
	for {
		data, err := s.port.Read(ctx, handle, s.cfg.ServiceUUID, s.cfg.ReadUUID)
		if err != nil {
			code := s.recordError(radio.StageRead, err)
			s.Logger().RatedWarn(1, "read from radio failed",
				log.FieldStage(radio.StageRead.String()),
				log.FieldErrorCode(code),
				zap.String("trigger", string(trigger)),
				zap.Error(err))
			return chunks
		}
		if len(data) == 0 {
			return chunks
		}

		chunks++
		metrics.BytesReceived.WithLabelValues(s.kind).Add(float64(len(data)))
		metrics.ReadChunkSize.WithLabelValues(s.kind).Observe(float64(len(data)))
		s.cfg.Consumer.OnBytesReceived(s, data)
		s.markConnected(cyc)
	}
}

// requestDrain 由通知回调、轮询以及排空进行中的 Write 调用。
func (s *BaseSession) requestDrain(cyc *cycle, trigger Trigger) {
	if cyc == nil {
		return
	}
	if !cyc.request(trigger) {
		s.Logger().Debug("drain request coalesced", zap.String("trigger", string(trigger)))
	}
}
