package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lk2023060901/meshlink-go/internal/radio"
	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/internal/radio/transport/memport"
	"github.com/lk2023060901/meshlink-go/pkg/metrics"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

// recorder 按顺序记录 Consumer 收到的事件。
type recorder struct {
	mu        sync.Mutex
	events    []string
	chunks    [][]byte
	completes int
	handshake []error
}

func (r *recorder) OnStatusChanged(_ *BaseSession, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "status:"+status.String())
}

func (r *recorder) OnBytesReceived(_ *BaseSession, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("bytes:%d", len(data)))
	r.chunks = append(r.chunks, data)
}

func (r *recorder) OnSessionComplete(*BaseSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "complete")
	r.completes++
}

func (r *recorder) OnHandshakeDone(_ *BaseSession, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshake = append(r.handshake, err)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) chunkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *recorder) completeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completes
}

func (r *recorder) handshakeResults() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.handshake...)
}

// replier 在进入 Connected 时发一次问候，收到 "reply" 时回一次 "ack"。
type replier struct {
	*recorder
	ctx     context.Context
	greeted atomic.Bool
	errs    chan error
}

func (r *replier) OnStatusChanged(sess *BaseSession, status Status) {
	r.recorder.OnStatusChanged(sess, status)
	if status == StatusConnected && r.greeted.CompareAndSwap(false, true) {
		r.errs <- sess.Write(r.ctx, []byte("hello"))
	}
}

func (r *replier) OnBytesReceived(sess *BaseSession, data []byte) {
	r.recorder.OnBytesReceived(sess, data)
	if string(data) == "reply" {
		r.errs <- sess.Write(r.ctx, []byte("ack"))
	}
}

type SessionSuite struct {
	suite.Suite

	ctx  context.Context
	port *memport.Port
	rec  *recorder
	sess *BaseSession
}

const testHandle transport.Handle = "AA:BB:CC:DD:EE:FF"

func (s *SessionSuite) SetupTest() {
	s.ctx = context.Background()
	s.port = memport.New()
	s.rec = &recorder{}
	s.sess = s.newSession(Config{})
}

func (s *SessionSuite) TearDownTest() {
	_ = s.sess.Disconnect(s.ctx)
}

// newSession 默认把轮询间隔设得很长，避免后台排空干扰读计数。
func (s *SessionSuite) newSession(cfg Config) *BaseSession {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	cfg.Consumer = s.rec
	return New(memport.Kind, s.port, cfg)
}

func (s *SessionSuite) connect() {
	s.Require().NoError(s.sess.Connect(s.ctx, ConnectParams{Handle: testHandle}))
}

func (s *SessionSuite) TestDrainStopsOnEmptyRead() {
	s.connect()
	s.port.QueueRead(make([]byte, 5), make([]byte, 3), []byte{})

	s.Equal(2, s.sess.drainPass(TriggerNotify))
	s.Equal(2, s.rec.chunkCount())
	s.EqualValues(3, s.port.Reads())
}

func (s *SessionSuite) TestDrainReadErrorNoRetry() {
	s.connect()
	s.port.QueueReadError(errors.New("gatt busy"))
	s.port.QueueRead(make([]byte, 5))

	s.Equal(0, s.sess.drainPass(TriggerPoll))
	s.Equal(0, s.rec.chunkCount())
	s.EqualValues(1, s.port.Reads())
	s.Equal(StatusConnected, s.sess.Status())
}

func (s *SessionSuite) TestWriteFailureSkipsDrain() {
	s.connect()
	s.port.FailWrite(errors.New("att error"))

	err := s.sess.Write(s.ctx, []byte{0x01})
	s.ErrorIs(err, merr.ErrRadioWriteFailed)
	s.EqualValues(0, s.port.Reads())
}

func (s *SessionSuite) TestWriteSuccessDrainsOnce() {
	s.connect()
	s.port.QueueRead([]byte("reply"))

	s.NoError(s.sess.Write(s.ctx, []byte("want_config")))
	s.EqualValues(2, s.port.Reads())
	s.Equal(1, s.rec.chunkCount())
	s.Equal([][]byte{[]byte("want_config")}, s.port.Written())
}

func (s *SessionSuite) TestWriteNotConnected() {
	s.ErrorIs(s.sess.Write(s.ctx, []byte{1}), merr.ErrRadioNotConnected)
	s.EqualValues(0, s.port.Writes())
}

func (s *SessionSuite) TestExplicitHandleSkipsSelection() {
	s.connect()
	s.EqualValues(0, s.port.Selects())
	s.Equal(testHandle, s.sess.Handle())
}

func (s *SessionSuite) TestSelectDeviceWhenNoHandle() {
	s.Require().NoError(s.sess.Connect(s.ctx, ConnectParams{}))
	s.EqualValues(1, s.port.Selects())
	s.Equal(memport.DefaultHandle, s.sess.Handle())
}

func (s *SessionSuite) TestConnectStatusAndPoller() {
	s.False(s.sess.Polling())
	s.Equal(StatusIdle, s.sess.Status())

	s.connect()
	s.Equal(StatusConnected, s.sess.Status())
	s.True(s.sess.Polling())
	s.Equal([]string{"status:connecting", "status:connected"}, s.rec.snapshot())

	desc, ok := s.sess.Service()
	s.True(ok)
	s.True(desc.UUID.Equal(transport.ServiceUUID))

	s.NoError(s.sess.Disconnect(s.ctx))
	s.Equal(StatusDisconnected, s.sess.Status())
	s.False(s.sess.Polling())
	s.False(s.port.IsOpen(testHandle))
}

func (s *SessionSuite) TestUnexpectedClose() {
	s.connect()
	s.True(s.port.SimulateClose(testHandle))

	s.Equal(StatusDisconnected, s.sess.Status())
	s.False(s.sess.Polling())
	events := s.rec.snapshot()
	s.Require().GreaterOrEqual(len(events), 2)
	s.Equal([]string{"status:disconnected", "complete"}, events[len(events)-2:])

	// 被动断开后再次 Disconnect 是空操作
	s.NoError(s.sess.Disconnect(s.ctx))
	s.Equal(1, s.rec.completeCount())
	s.EqualValues(0, s.port.Closes())
}

func (s *SessionSuite) TestDisconnectTwice() {
	s.connect()
	s.NoError(s.sess.Disconnect(s.ctx))
	s.NoError(s.sess.Disconnect(s.ctx))
	s.Equal(1, s.rec.completeCount())
	s.EqualValues(1, s.port.Closes())
	s.False(s.sess.Polling())
}

func (s *SessionSuite) TestDisconnectCloseErrorReturnedOnce() {
	s.connect()
	boom := errors.New("bluez: not connected")
	s.port.FailClose(boom)

	s.ErrorIs(s.sess.Disconnect(s.ctx), boom)
	s.NoError(s.sess.Disconnect(s.ctx))
	s.Equal(StatusDisconnected, s.sess.Status())
}

func (s *SessionSuite) TestDisconnectIdle() {
	s.NoError(s.sess.Disconnect(s.ctx))
	s.Equal(StatusDisconnected, s.sess.Status())
	s.Equal([]string{"status:disconnected", "complete"}, s.rec.snapshot())
	s.EqualValues(0, s.port.Closes())
}

func (s *SessionSuite) TestResolveFailureStaysConnecting() {
	s.port.FailSelect(merr.WrapErrRadioDeviceNotFound("meshtastic", nil))

	err := s.sess.Connect(s.ctx, ConnectParams{})
	s.ErrorIs(err, merr.ErrRadioDeviceNotFound)
	s.Equal(StatusConnecting, s.sess.Status())
	s.EqualValues(0, s.port.Opens())

	s.NoError(s.sess.Disconnect(s.ctx))
	s.Equal(StatusDisconnected, s.sess.Status())
}

func (s *SessionSuite) TestSelectionErrorIsWrapped() {
	s.port.FailSelect(context.Canceled)
	s.ErrorIs(s.sess.Connect(s.ctx, ConnectParams{}), merr.ErrRadioSelectionCanceled)

	s.port.FailSelect(errors.New("dialog closed"))
	s.ErrorIs(s.sess.Connect(s.ctx, ConnectParams{}), merr.ErrRadioDeviceNotFound)
}

func (s *SessionSuite) TestOpenFailure() {
	s.port.FailOpen(errors.New("le-connection-abort-by-local"))

	err := s.sess.Connect(s.ctx, ConnectParams{Handle: testHandle})
	s.ErrorIs(err, merr.ErrRadioOpenFailed)
	s.True(merr.IsRetryableErr(err))
	s.Equal(StatusConnecting, s.sess.Status())
	s.False(s.sess.Polling())

	// 打开失败不占用周期，修复后可以直接重连
	s.port.FailOpen(nil)
	s.connect()
	s.Equal(StatusConnected, s.sess.Status())
}

func (s *SessionSuite) TestSubscribeFailure() {
	s.port.FailSubscribe(errors.New("notify not permitted"))

	err := s.sess.Connect(s.ctx, ConnectParams{Handle: testHandle})
	s.ErrorIs(err, merr.ErrRadioSubscribeFailed)
	s.Equal(StatusConnecting, s.sess.Status())
	s.False(s.sess.Polling())

	s.ErrorIs(s.sess.Connect(s.ctx, ConnectParams{Handle: testHandle}), merr.ErrOperationNotSupported)

	s.NoError(s.sess.Disconnect(s.ctx))
	s.False(s.port.IsOpen(testHandle))
}

func (s *SessionSuite) TestMissingServiceIsSoftFailure() {
	s.port = memport.New(memport.WithServices())
	s.sess = s.newSession(Config{})

	s.connect()
	_, ok := s.sess.Service()
	s.False(ok)
	s.Equal(StatusConnected, s.sess.Status())
}

func (s *SessionSuite) TestNotifyTriggersDrain() {
	s.connect()
	s.port.QueueRead([]byte("packet"))

	s.Equal(1, s.port.TriggerNotify(testHandle))
	s.Eventually(func() bool { return s.rec.chunkCount() == 1 }, time.Second, 5*time.Millisecond)
}

func (s *SessionSuite) TestPollTriggersDrain() {
	s.sess = s.newSession(Config{PollInterval: 10 * time.Millisecond})
	s.connect()
	s.port.QueueRead([]byte("missed-notify"))

	s.Eventually(func() bool { return s.rec.chunkCount() == 1 }, time.Second, 5*time.Millisecond)
}

func (s *SessionSuite) TestNoDrainAfterDisconnect() {
	s.connect()
	s.NoError(s.sess.Disconnect(s.ctx))
	s.port.QueueRead([]byte("late"))

	s.Equal(0, s.sess.drainPass(TriggerNotify))
	s.EqualValues(0, s.port.Reads())
	s.Equal(StatusDisconnected, s.sess.Status())
}

func (s *SessionSuite) TestReconnectAfterDisconnect() {
	s.connect()
	s.NoError(s.sess.Disconnect(s.ctx))
	s.connect()
	s.Equal(StatusConnected, s.sess.Status())
	s.True(s.sess.Polling())
	s.NoError(s.sess.Disconnect(s.ctx))
	s.Equal(2, s.rec.completeCount())
}

func (s *SessionSuite) TestPing() {
	ok, err := s.sess.Ping(s.ctx)
	s.NoError(err)
	s.False(ok)

	s.connect()
	ok, err = s.sess.Ping(s.ctx)
	s.NoError(err)
	s.True(ok)
	s.EqualValues(1, s.port.Probes())

	s.port.FailProbe(errors.New("gatt timeout"))
	ok, err = s.sess.Ping(s.ctx)
	s.False(ok)
	s.ErrorIs(err, merr.ErrRadioReadFailed)

	s.NoError(s.sess.Disconnect(s.ctx))
	ok, err = s.sess.Ping(s.ctx)
	s.NoError(err)
	s.False(ok)
}

func (s *SessionSuite) TestHandshakeFailureDoesNotFailConnect() {
	var attempts atomic.Int32
	s.sess = s.newSession(Config{
		Handshake: HandshakeConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 2},
		Handshaker: HandshakerFunc(func(context.Context, *BaseSession) error {
			attempts.Inc()
			return errors.New("no config ack")
		}),
	})

	s.connect()
	s.Equal(StatusConnected, s.sess.Status())

	f := s.sess.Handshake()
	s.Require().NotNil(f)
	s.ErrorIs(f.Err(), merr.ErrRadioHandshakeFailed)
	s.EqualValues(3, attempts.Load())

	s.Eventually(func() bool { return len(s.rec.handshakeResults()) == 1 }, time.Second, 5*time.Millisecond)
	s.ErrorIs(s.rec.handshakeResults()[0], merr.ErrRadioHandshakeFailed)
	s.Equal(StatusConnected, s.sess.Status())
}

func (s *SessionSuite) TestHandshakeWritesConfigRequest() {
	s.sess = s.newSession(Config{
		ConfigID: 42,
		Handshaker: HandshakerFunc(func(ctx context.Context, sess *BaseSession) error {
			return sess.Write(ctx, []byte{byte(sess.Config().ConfigID)})
		}),
	})

	s.connect()
	s.Require().NotNil(s.sess.Handshake())
	s.NoError(s.sess.Handshake().Err())
	s.Equal([][]byte{{42}}, s.port.Written())
	s.Eventually(func() bool { return len(s.rec.handshakeResults()) == 1 }, time.Second, 5*time.Millisecond)
	s.NoError(s.rec.handshakeResults()[0])
}

func (s *SessionSuite) TestWantConfigHandshake() {
	s.sess = s.newSession(Config{ConfigID: 300, Handshaker: WantConfig()})

	s.connect()
	s.Require().NotNil(s.sess.Handshake())
	s.NoError(s.sess.Handshake().Err())

	written := s.port.Written()
	s.Require().Len(written, 1)
	num, typ, n := protowire.ConsumeTag(written[0])
	s.Require().Greater(n, 0)
	s.EqualValues(3, num)
	s.Equal(protowire.VarintType, typ)
	v, m := protowire.ConsumeVarint(written[0][n:])
	s.Require().Greater(m, 0)
	s.EqualValues(300, v)
}

func (s *SessionSuite) TestHandshakeCanceledOnDisconnect() {
	started := make(chan struct{})
	s.sess = s.newSession(Config{
		Handshaker: HandshakerFunc(func(ctx context.Context, _ *BaseSession) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	})

	s.connect()
	<-started
	s.NoError(s.sess.Disconnect(s.ctx))
	s.ErrorIs(s.sess.Handshake().Err(), merr.ErrRadioHandshakeFailed)
	s.ErrorIs(s.sess.Handshake().Err(), context.Canceled)
}

func (s *SessionSuite) TestInfo() {
	s.connect()
	info := s.sess.Info()
	s.Equal(s.sess.ID(), info.ID)
	s.Equal(memport.Kind, info.Kind)
	s.Equal(testHandle.String(), info.Handle)
	s.Equal(StatusConnected, info.Status)
	s.True(info.Polling)
	s.Equal(transport.ServiceUUID.String(), info.Service)
}

func (s *SessionSuite) TestWriteFromCallbacks() {
	c := &replier{recorder: s.rec, ctx: s.ctx, errs: make(chan error, 4)}
	s.sess = New(memport.Kind, s.port, Config{PollInterval: time.Hour, Consumer: c})
	s.port.QueueRead([]byte("reply"))

	done := make(chan error, 1)
	go func() { done <- s.sess.Connect(s.ctx, ConnectParams{Handle: testHandle}) }()
	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("connect blocked by write from consumer callback")
	}

	s.NoError(<-c.errs)
	s.NoError(<-c.errs)
	s.Eventually(func() bool { return len(s.port.Written()) == 2 }, time.Second, 5*time.Millisecond)
	s.Equal([][]byte{[]byte("hello"), []byte("ack")}, s.port.Written())
	s.Equal(1, s.rec.chunkCount())
	s.Equal(StatusConnected, s.sess.Status())
}

func (s *SessionSuite) TestWriteAfterSubscribeFailureStaysConnecting() {
	s.port.FailSubscribe(errors.New("notify not permitted"))
	s.Error(s.sess.Connect(s.ctx, ConnectParams{Handle: testHandle}))

	s.port.QueueRead([]byte("stray"))
	s.NoError(s.sess.Write(s.ctx, []byte{0x01}))
	s.Equal(1, s.rec.chunkCount())
	s.Equal(StatusConnecting, s.sess.Status())
	s.False(s.sess.Polling())
}

func (s *SessionSuite) TestDisconnectDuringSelection() {
	started := make(chan struct{})
	s.port = memport.New(memport.WithSelectHook(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	s.sess = s.newSession(Config{})

	done := make(chan error, 1)
	go func() { done <- s.sess.Connect(s.ctx, ConnectParams{}) }()
	<-started
	s.NoError(s.sess.Disconnect(s.ctx))

	select {
	case err := <-done:
		s.ErrorIs(err, merr.ErrRadioSelectionCanceled)
	case <-time.After(2 * time.Second):
		s.FailNow("connect not canceled by disconnect")
	}
	s.Equal(StatusDisconnected, s.sess.Status())
	s.EqualValues(0, s.port.Opens())
	s.Equal(1, s.rec.completeCount())
	s.False(s.sess.Polling())
}

func (s *SessionSuite) TestTransportErrorsCountedByCode() {
	counter := metrics.TransportErrors.WithLabelValues(radio.StageOpen.String(), radio.ErrCodeOpenFailed)
	before := testutil.ToFloat64(counter)

	s.port.FailOpen(errors.New("gatt 133"))
	s.ErrorIs(s.sess.Connect(s.ctx, ConnectParams{Handle: testHandle}), merr.ErrRadioOpenFailed)
	s.Equal(before+1, testutil.ToFloat64(counter))
}

func (s *SessionSuite) TestSupported() {
	ok, err := s.sess.Supported(s.ctx)
	s.NoError(err)
	s.True(ok)

	s.port.SetSupported(false)
	ok, err = s.sess.Supported(s.ctx)
	s.NoError(err)
	s.False(ok)
}

func (s *SessionSuite) TestHandshakePanicIsContained() {
	s.sess = s.newSession(Config{
		Handshaker: HandshakerFunc(func(context.Context, *BaseSession) error {
			panic("bad codec")
		}),
	})

	s.connect()
	s.Require().NotNil(s.sess.Handshake())
	s.ErrorIs(s.sess.Handshake().Err(), merr.ErrServiceInternal)
	s.Equal(StatusConnected, s.sess.Status())
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}
