// Package session 实现一条到无线电设备的字节流会话。
//
// 会话在传输端口的通知/读/写特征之上提供：显式的状态迁移、读到空为止的排空读取、
// 写后立即排空一次，以及通知与轮询双触发下的串行排空。
package session

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/meshlink-go/internal/radio"
	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/pkg/log"
	"github.com/lk2023060901/meshlink-go/pkg/metrics"
	"github.com/lk2023060901/meshlink-go/pkg/util/conc"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

// sessionIDSeq 为进程内单调递增的会话 ID 生成器，从 1 开始。
var sessionIDSeq atomic.Uint64

// ConnectParams 为 Connect 的参数。
type ConnectParams struct {
	// Handle 显式指定设备句柄，非空时跳过设备选择。
	Handle transport.Handle
	// Filter 设备选择条件，为空时使用限定在 ServiceUUID 上的默认条件。
	Filter *transport.DeviceFilter
}

// BaseSession 为一条设备会话。
//
// 不变量：
//   - 轮询器存在当且仅当状态为 Connected；
//   - 离开 Connected 时在同一临界区内停止并清空轮询器；
//   - 每个连接周期只会产生一次 OnSessionComplete。
type BaseSession struct {
	log.Binder

	id   uint64
	kind string
	port transport.Port
	cfg  Config

	mu      sync.Mutex
	status  Status
	handle  transport.Handle
	service *transport.ServiceDescriptor
	poll    *poller
	open    bool
	cycle   *cycle
	lastHS  *conc.Future[struct{}]

	// drainMu 保证同一时刻只有一次排空在执行。
	drainMu sync.Mutex
}

// New 创建一个处于 StatusIdle 的会话。
func New(kind string, port transport.Port, cfg Config) *BaseSession {
	s := &BaseSession{
		id:     sessionIDSeq.Inc(),
		kind:   kind,
		port:   port,
		cfg:    cfg.withDefaults(),
		status: StatusIdle,
	}
	s.SetLogger(log.With(
		log.FieldModule("radio"),
		log.FieldSessionID(s.id),
		log.FieldKind(kind),
	).WithRateGroup("radio.session", 1, 5))
	return s
}

// ID 返回进程内唯一的会话 ID。
func (s *BaseSession) ID() uint64 {
	return s.id
}

// Kind 返回会话的传输类型。
func (s *BaseSession) Kind() string {
	return s.kind
}

// Config 返回补全默认值后的会话配置。
func (s *BaseSession) Config() Config {
	return s.cfg
}

// Status 返回当前状态。
func (s *BaseSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Handle 返回最近一次解析出的设备句柄。
func (s *BaseSession) Handle() transport.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Service 返回协商到的服务描述，未找到时 ok 为 false。
func (s *BaseSession) Service() (desc transport.ServiceDescriptor, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.service == nil {
		return transport.ServiceDescriptor{}, false
	}
	return *s.service, true
}

// Polling 判断轮询器是否在运行。
func (s *BaseSession) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poll != nil
}

// Handshake 返回最近一次连接周期的握手 Future，未配置 Handshaker 或尚未连接时为 nil。
func (s *BaseSession) Handshake() *conc.Future[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle != nil && s.cycle.handshake != nil {
		return s.cycle.handshake
	}
	return s.lastHS
}

// emitStatus 在锁外通知 Consumer，调用方负责先写入状态。
func (s *BaseSession) emitStatus(status Status) {
	metrics.SessionStatusTransitions.WithLabelValues(s.kind, status.String()).Inc()
	s.Logger().Debug("session status changed", zap.Stringer("status", status))
	s.cfg.Consumer.OnStatusChanged(s, status)
}

// markConnected 在 cyc 仍为当前打开且 worker 已启动的周期时写入 Connected，并保证轮询器已启动。
func (s *BaseSession) markConnected(cyc *cycle) bool {
	s.mu.Lock()
	if s.cycle != cyc || !s.open || !cyc.running {
		s.mu.Unlock()
		return false
	}
	s.status = StatusConnected
	if s.poll == nil {
		s.poll = newPoller(s.cfg.PollInterval, func() { s.requestDrain(cyc, TriggerPoll) })
		s.poll.start()
	}
	s.mu.Unlock()

	s.emitStatus(StatusConnected)
	return true
}

func (s *BaseSession) resolve(ctx context.Context, params ConnectParams) (transport.Handle, error) {
	if params.Handle != "" {
		return params.Handle, nil
	}
	filter := transport.DeviceFilter{Services: []transport.UUID{s.cfg.ServiceUUID}}
	if params.Filter != nil {
		filter = *params.Filter
	}
	handle, err := s.port.SelectDevice(ctx, filter)
	if err != nil {
		if errors.IsAny(err, merr.ErrRadioDeviceNotFound, merr.ErrRadioSelectionCanceled, merr.ErrRadioUnsupported) {
			return "", err
		}
		if merr.IsCanceledOrTimeout(err) {
			return "", merr.WrapErrRadioSelectionCanceled(err)
		}
		return "", merr.WrapErrRadioDeviceNotFound(filter, err)
	}
	return handle, nil
}

// Supported 判断底层传输在当前环境是否可用，例如本机是否有可用的蓝牙适配器。
func (s *BaseSession) Supported(ctx context.Context) (bool, error) {
	ok, err := s.port.Supported(ctx)
	if err != nil {
		s.Logger().Warn("transport support check failed", zap.Error(err))
	}
	return ok, err
}

// Connect 建立连接：解析句柄、打开传输、协商服务、订阅通知、进入 Connected、
// 启动轮询并异步发起握手。
//
// 解析、打开或订阅失败时返回错误，状态停留在 Connecting，
// 由调用方通过 Disconnect 推进到 Disconnected。本方法不做重试，超时由 ctx 控制。
// 连接过程中调用 Disconnect 会取消设备选择并使 Connect 返回错误。
func (s *BaseSession) Connect(ctx context.Context, params ConnectParams) error {
	ctx, span := log.NewIntentContext(ctx, "radio", "connect")
	defer span.End()

	cyc := newCycle()
	s.mu.Lock()
	if s.cycle != nil {
		s.mu.Unlock()
		return errors.Wrap(merr.ErrOperationNotSupported, "session already has an active cycle, disconnect first")
	}
	s.cycle = cyc
	s.status = StatusConnecting
	s.mu.Unlock()
	s.emitStatus(StatusConnecting)

	handle, err := s.resolveInCycle(ctx, cyc, params)
	if err != nil {
		s.release(cyc)
		s.fail(radio.StageResolve, err)
		return err
	}

	s.mu.Lock()
	if s.cycle != cyc {
		s.mu.Unlock()
		return merr.WrapErrRadioClosed(handle.String())
	}
	s.handle = handle
	s.mu.Unlock()
	s.BindFields(log.FieldHandle(handle.String()))

	if err := s.port.Open(ctx, handle, func(h transport.Handle) { s.onUnexpectedClose(cyc, h) }); err != nil {
		s.release(cyc)
		if !errors.Is(err, merr.ErrRadioOpenFailed) {
			err = merr.WrapErrRadioOpenFailed(handle.String(), err)
		}
		s.fail(radio.StageOpen, err)
		return err
	}

	s.mu.Lock()
	if s.cycle != cyc {
		// Open 返回前会话已被断开，或链路已被动关闭。
		s.mu.Unlock()
		_ = s.port.Close(context.WithoutCancel(ctx), handle)
		return merr.WrapErrRadioClosed(handle.String())
	}
	s.open = true
	s.mu.Unlock()

	s.discover(ctx, handle)

	if err := s.port.Subscribe(ctx, handle, s.cfg.ServiceUUID, s.cfg.NotifyUUID, func() { s.requestDrain(cyc, TriggerNotify) }); err != nil {
		if !errors.Is(err, merr.ErrRadioSubscribeFailed) {
			err = merr.WrapErrRadioSubscribeFailed(handle.String(), s.cfg.NotifyUUID.String(), err)
		}
		s.fail(radio.StageSubscribe, err)
		return err
	}

	s.mu.Lock()
	if s.cycle != cyc {
		s.mu.Unlock()
		return merr.WrapErrRadioClosed(handle.String())
	}
	cyc.running = true
	cyc.start(func(t Trigger) { s.drainPass(t) })
	s.mu.Unlock()

	if !s.markConnected(cyc) {
		return merr.WrapErrRadioClosed(handle.String())
	}
	s.Logger().Info("radio session connected", zap.Duration("pollInterval", s.cfg.PollInterval))

	s.startHandshake(cyc)
	return nil
}

// resolveInCycle 在周期被拆除时取消设备选择。
func (s *BaseSession) resolveInCycle(ctx context.Context, cyc *cycle, params ConnectParams) (transport.Handle, error) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cyc.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()
	return s.resolve(ctx, params)
}

// release 放弃一个尚未打开传输的周期，使会话可以重新 Connect。
func (s *BaseSession) release(cyc *cycle) {
	s.mu.Lock()
	if s.cycle == cyc {
		s.cycle = nil
	}
	s.mu.Unlock()
	cyc.stop()
}

// discover 查找期望的服务描述，找不到只告警，不拒绝连接。
func (s *BaseSession) discover(ctx context.Context, handle transport.Handle) {
	services, err := s.port.ListServices(ctx, handle)
	if err != nil {
		code := s.recordError(radio.StageDiscover, err)
		s.Logger().Warn("list services failed, continue without descriptor",
			log.FieldStage(radio.StageDiscover.String()), log.FieldErrorCode(code), zap.Error(err))
		return
	}
	desc, ok := transport.FindService(services, s.cfg.ServiceUUID)
	if !ok {
		err := merr.WrapErrRadioServiceNotFound(handle.String(), s.cfg.ServiceUUID.String())
		s.Logger().Warn("expected service not advertised, continue without descriptor",
			log.FieldStage(radio.StageDiscover.String()),
			log.FieldErrorCode(radio.ErrorCodeOf(radio.StageDiscover, err)),
			zap.Error(err))
		return
	}
	s.mu.Lock()
	s.service = &desc
	s.mu.Unlock()
}

func (s *BaseSession) fail(stage radio.Stage, err error) {
	code := s.recordError(stage, err)
	s.Logger().Warn("radio connect failed", log.FieldStage(stage.String()), log.FieldErrorCode(code), zap.Error(err))
}

// recordError 按发生阶段与错误码计数，返回错误码。
func (s *BaseSession) recordError(stage radio.Stage, err error) string {
	code := radio.ErrorCodeOf(stage, err)
	metrics.TransportErrors.WithLabelValues(stage.String(), code).Inc()
	return code
}

// onUnexpectedClose 为传输端口的被动断开回调，只对发起它的周期生效。
func (s *BaseSession) onUnexpectedClose(cyc *cycle, handle transport.Handle) {
	s.mu.Lock()
	if s.cycle != cyc {
		s.mu.Unlock()
		return
	}
	s.open = false
	s.mu.Unlock()

	s.Logger().Info("radio link closed by transport", log.FieldHandle(handle.String()))
	s.teardown(cyc)
}

// Disconnect 关闭传输并完成清理。对已断开的会话是空操作。
// 关闭传输的错误只在第一次调用时返回。
func (s *BaseSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return nil
	}
	wasOpen, handle, cyc := s.open, s.handle, s.cycle
	s.open = false
	s.mu.Unlock()

	var closeErr error
	if wasOpen {
		if err := s.port.Close(ctx, handle); err != nil {
			code := s.recordError(radio.StageClose, err)
			s.Logger().Warn("close radio transport failed",
				log.FieldStage(radio.StageClose.String()), log.FieldErrorCode(code), zap.Error(err))
			closeErr = err
		}
	}
	s.teardown(cyc)
	return closeErr
}

// teardown 停止轮询、写入 Disconnected 并通知会话结束。
// 仅当 cyc 仍是当前周期且尚未断开时执行，保证每个周期只清理一次。
func (s *BaseSession) teardown(cyc *cycle) {
	s.mu.Lock()
	if s.status == StatusDisconnected || s.cycle != cyc {
		s.mu.Unlock()
		return
	}
	s.poll.stop()
	s.poll = nil
	s.open = false
	s.cycle = nil
	s.status = StatusDisconnected
	if cyc != nil {
		s.lastHS = cyc.handshake
	}
	s.mu.Unlock()

	cyc.stop()
	s.emitStatus(StatusDisconnected)
	s.cfg.Consumer.OnSessionComplete(s)
	s.Logger().Info("radio session completed")
}

// Write 将 data 整体写入写特征，成功后同步执行一次排空。
// 写失败时直接返回错误，不再读取。
//
// 若已有排空在进行（包括在 Consumer 回调中调用 Write），不等待它结束，
// 改为向 worker 投递一次排空请求。
func (s *BaseSession) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	handle, open, cyc := s.handle, s.open, s.cycle
	s.mu.Unlock()
	if !open {
		return merr.WrapErrRadioNotConnected(handle.String(), "write")
	}

	if err := s.port.Write(ctx, handle, s.cfg.ServiceUUID, s.cfg.WriteUUID, data); err != nil {
		if !errors.IsAny(err, merr.ErrRadioWriteFailed, merr.ErrRadioNotConnected) {
			err = merr.WrapErrRadioWriteFailed(handle.String(), s.cfg.WriteUUID.String(), err)
		}
		code := s.recordError(radio.StageWrite, err)
		s.Logger().Warn("write to radio failed",
			log.FieldStage(radio.StageWrite.String()), log.FieldErrorCode(code),
			zap.Int("size", len(data)), zap.Error(err))
		return err
	}
	metrics.BytesSent.WithLabelValues(s.kind).Add(float64(len(data)))

	if !s.drainMu.TryLock() {
		s.requestDrain(cyc, TriggerWrite)
		return nil
	}
	defer s.drainMu.Unlock()
	s.drainLocked(TriggerWrite)
	return nil
}

// Ping 读取一次通知特征来确认链路可用。未连接时返回 false 与空错误。
func (s *BaseSession) Ping(ctx context.Context) (bool, error) {
	s.mu.Lock()
	handle, status, open := s.handle, s.status, s.open
	s.mu.Unlock()
	if status != StatusConnected || !open {
		return false, nil
	}
	if _, err := s.port.Read(ctx, handle, s.cfg.ServiceUUID, s.cfg.NotifyUUID); err != nil {
		s.Logger().RatedWarn(1, "ping failed", zap.Error(err))
		return false, err
	}
	return true, nil
}

// Info 为会话的只读快照，用于展示与序列化。
type Info struct {
	ID      uint64 `json:"id"`
	Kind    string `json:"kind"`
	Handle  string `json:"handle,omitempty"`
	Status  Status `json:"status"`
	Service string `json:"service,omitempty"`
	Polling bool   `json:"polling"`
}

// Info 返回当前会话快照。
func (s *BaseSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:      s.id,
		Kind:    s.kind,
		Handle:  s.handle.String(),
		Status:  s.status,
		Polling: s.poll != nil,
	}
	if s.service != nil {
		info.Service = s.service.UUID.String()
	}
	return info
}
