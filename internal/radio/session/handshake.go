package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lk2023060901/meshlink-go/internal/radio"
	"github.com/lk2023060901/meshlink-go/pkg/log"
	"github.com/lk2023060901/meshlink-go/pkg/metrics"
	"github.com/lk2023060901/meshlink-go/pkg/util/conc"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

// Handshaker 为连接建立后的上游配置握手（例如 Meshtastic 的 want_config 请求）。
//
// 说明：
//   - Configure 在会话进入 Connected 后异步执行，失败会按退避策略重试；
//   - 握手结果不影响 Connect 的返回值，通过 BaseSession.Handshake 与 HandshakeObserver 获取；
//   - ctx 在连接周期结束时取消。
type Handshaker interface {
	Configure(ctx context.Context, sess *BaseSession) error
}

// HandshakerFunc 允许普通函数作为 Handshaker 使用。
type HandshakerFunc func(ctx context.Context, sess *BaseSession) error

func (f HandshakerFunc) Configure(ctx context.Context, sess *BaseSession) error {
	return f(ctx, sess)
}

// toRadioWantConfigField 为 Meshtastic ToRadio.want_config_id 的字段号。
const toRadioWantConfigField protowire.Number = 3

// EncodeWantConfig 编码只包含 want_config_id 的 ToRadio 消息。
func EncodeWantConfig(configID uint32) []byte {
	b := protowire.AppendTag(nil, toRadioWantConfigField, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(configID))
}

// WantConfig 返回发送 want_config_id 请求的握手方，请求 ID 取自会话配置的 ConfigID。
func WantConfig() Handshaker {
	return HandshakerFunc(func(ctx context.Context, sess *BaseSession) error {
		return sess.Write(ctx, EncodeWantConfig(sess.Config().ConfigID))
	})
}

const handshakeWorkers = 256

// handshakeIdleExpiry 为握手池空闲 worker 的回收间隔。
const handshakeIdleExpiry = time.Minute

// handshakePool 吞掉 Handshaker 的 panic，结果以错误形式出现在 Future 上。
var handshakePool = sync.OnceValue(func() *conc.Pool[struct{}] {
	return conc.NewPool[struct{}](handshakeWorkers,
		conc.WithExpiryDuration(handshakeIdleExpiry),
		conc.WithConcealPanic(true),
	)
})

func (s *BaseSession) startHandshake(cyc *cycle) {
	hs := s.cfg.Handshaker
	if hs == nil {
		return
	}
	f := handshakePool().Submit(func() (struct{}, error) {
		return struct{}{}, s.runHandshake(cyc, hs)
	})

	s.mu.Lock()
	cyc.handshake = f
	s.mu.Unlock()
}

func (s *BaseSession) newHandshakeBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.Handshake.InitialInterval
	eb.MaxInterval = s.cfg.Handshake.MaxInterval
	eb.MaxElapsedTime = s.cfg.Handshake.MaxElapsedTime
	return backoff.WithContext(backoff.WithMaxRetries(eb, s.cfg.Handshake.MaxRetries), ctx)
}

func (s *BaseSession) runHandshake(cyc *cycle, hs Handshaker) error {
	logger := s.Logger().With(log.FieldStage(radio.StageHandshake.String()))
	attempts := 0
	start := time.Now()

	err := backoff.RetryNotify(func() error {
		attempts++
		err := hs.Configure(cyc.ctx, s)
		if err != nil && cyc.ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, s.newHandshakeBackOff(cyc.ctx), func(err error, next time.Duration) {
		logger.Warn("handshake attempt failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err))
	})

	if err != nil {
		err = merr.WrapErrRadioHandshakeFailed(s.id, err)
		metrics.Handshakes.WithLabelValues(metrics.FailLabel).Inc()
		code := s.recordError(radio.StageHandshake, err)
		logger.Warn("handshake failed", zap.Int("attempts", attempts), log.FieldErrorCode(code), zap.Error(err))
	} else {
		metrics.Handshakes.WithLabelValues(metrics.SuccessLabel).Inc()
		logger.Info("handshake done", zap.Int("attempts", attempts), zap.Duration("elapsed", time.Since(start)))
	}

	if obs, ok := s.cfg.Consumer.(HandshakeObserver); ok {
		obs.OnHandshakeDone(s, err)
	}
	return err
}
