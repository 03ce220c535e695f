package serial

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	goserial "go.bug.st/serial"

	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

// fakeSerial 只实现端口用到的方法，其余方法由嵌入的接口兜底。
type fakeSerial struct {
	goserial.Port

	mu      sync.Mutex
	reads   [][]byte
	readErr error
	written []byte
	timeout time.Duration
	closed  bool
}

func (f *fakeSerial) SetReadTimeout(t time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = t
	return nil
}

func (f *fakeSerial) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.reads) == 0 {
		return 0, nil
	}
	n := copy(p, f.reads[0])
	f.reads = f.reads[1:]
	return n, nil
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// 每次最多写 4 字节，验证循环写
	n := min(len(p), 4)
	f.written = append(f.written, p[:n]...)
	return n, nil
}

func (f *fakeSerial) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type SerialSuite struct {
	suite.Suite

	fake    *fakeSerial
	port    *Port
	opened  []string
	ports   []string
	listErr error
}

func (s *SerialSuite) SetupTest() {
	s.fake = &fakeSerial{}
	s.opened = nil
	s.ports = []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyUSB1"}
	s.listErr = nil
	s.port = newPort(Config{PortPrefix: "/dev/ttyUSB"},
		func(name string, mode *goserial.Mode) (goserial.Port, error) {
			if name == "/dev/missing" {
				return nil, errors.New("no such file")
			}
			s.opened = append(s.opened, name)
			s.Equal(defaultBaudRate, mode.BaudRate)
			return s.fake, nil
		},
		func() ([]string, error) { return s.ports, s.listErr },
	)
}

func (s *SerialSuite) TestSelectDevice() {
	ctx := context.Background()

	h, err := s.port.SelectDevice(ctx, transport.DeviceFilter{})
	s.NoError(err)
	s.Equal(transport.Handle("/dev/ttyUSB0"), h)

	h, err = s.port.SelectDevice(ctx, transport.DeviceFilter{NamePrefix: "/dev/ttyS"})
	s.NoError(err)
	s.Equal(transport.Handle("/dev/ttyS0"), h)

	_, err = s.port.SelectDevice(ctx, transport.DeviceFilter{NamePrefix: "/dev/ttyACM"})
	s.ErrorIs(err, merr.ErrRadioDeviceNotFound)

	s.listErr = errors.New("enumeration failed")
	_, err = s.port.SelectDevice(ctx, transport.DeviceFilter{})
	s.ErrorIs(err, merr.ErrRadioDeviceNotFound)
	ok, err := s.port.Supported(ctx)
	s.False(ok)
	s.ErrorIs(err, merr.ErrRadioUnsupported)
}

func (s *SerialSuite) TestOpenReadWrite() {
	ctx := context.Background()
	h := transport.Handle("/dev/ttyUSB0")

	s.ErrorIs(s.port.Open(ctx, "/dev/missing", nil), merr.ErrRadioOpenFailed)
	s.Require().NoError(s.port.Open(ctx, h, nil))
	s.Equal(defaultReadTimeout, s.fake.timeout)

	services, err := s.port.ListServices(ctx, h)
	s.NoError(err)
	_, ok := transport.FindService(services, transport.ServiceUUID)
	s.True(ok)
	s.NoError(s.port.Subscribe(ctx, h, transport.ServiceUUID, transport.FromNumUUID, func() {}))

	s.fake.reads = [][]byte{[]byte("hello")}
	b, err := s.port.Read(ctx, h, transport.ServiceUUID, transport.FromRadioUUID)
	s.NoError(err)
	s.Equal([]byte("hello"), b)

	b, err = s.port.Read(ctx, h, transport.ServiceUUID, transport.FromRadioUUID)
	s.NoError(err)
	s.Empty(b)

	s.NoError(s.port.Write(ctx, h, transport.ServiceUUID, transport.ToRadioUUID, []byte("0123456789")))
	s.Equal([]byte("0123456789"), s.fake.written)

	s.NoError(s.port.Close(ctx, h))
	s.True(s.fake.closed)
	s.ErrorIs(s.port.Close(ctx, h), merr.ErrRadioNotConnected)
	_, err = s.port.Read(ctx, h, transport.ServiceUUID, transport.FromRadioUUID)
	s.ErrorIs(err, merr.ErrRadioNotConnected)
}

func (s *SerialSuite) TestReadErrorDropsLink() {
	ctx := context.Background()
	h := transport.Handle("/dev/ttyUSB1")

	closed := make(chan transport.Handle, 1)
	s.Require().NoError(s.port.Open(ctx, h, func(h transport.Handle) { closed <- h }))

	s.fake.readErr = io.ErrUnexpectedEOF
	_, err := s.port.Read(ctx, h, transport.ServiceUUID, transport.FromRadioUUID)
	s.ErrorIs(err, merr.ErrRadioReadFailed)
	s.ErrorIs(err, io.ErrUnexpectedEOF)

	select {
	case got := <-closed:
		s.Equal(h, got)
	case <-time.After(time.Second):
		s.Fail("onClose not fired")
	}
	s.True(s.fake.closed)
	s.Nil(s.port.get(h))
}

func TestSerialSuite(t *testing.T) {
	suite.Run(t, new(SerialSuite))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, defaultBaudRate, cfg.BaudRate)
	assert.Equal(t, defaultReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, defaultReadBuffer, cfg.ReadBufferSize)

	cfg = Config{BaudRate: 9600}.withDefaults()
	require.Equal(t, 9600, cfg.BaudRate)
}

func (s *SerialSuite) TestFromNumDoesNotConsume() {
	ctx := context.Background()
	h := transport.Handle("/dev/ttyUSB0")
	s.Require().NoError(s.port.Open(ctx, h, nil))

	s.fake.reads = [][]byte{[]byte("pending")}
	b, err := s.port.Read(ctx, h, transport.ServiceUUID, transport.FromNumUUID)
	s.NoError(err)
	s.Empty(b)
	s.Len(s.fake.reads, 1)
}
