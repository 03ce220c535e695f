// Package serial 在串口上模拟特征模型：读特征对应一次带超时的串口读取，
// 写特征对应一次串口写入，不支持通知（由会话轮询兜底）。
package serial

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	goserial "go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/pkg/log"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

// Kind 为串口传输对应的会话类型名。
const Kind = "serial"

const (
	defaultBaudRate    = 115200
	defaultReadTimeout = 50 * time.Millisecond
	defaultReadBuffer  = 512
)

// Config 为串口端口配置。
type Config struct {
	// BaudRate 波特率，默认 115200。
	BaudRate int `mapstructure:"baud_rate" json:"baud_rate"`
	// ReadTimeout 单次读取的最长等待时间，超时视为"没有待读数据"。
	ReadTimeout time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	// ReadBufferSize 单次读取的缓冲区大小。
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size"`
	// PortPrefix 设备选择时默认的路径前缀，例如 /dev/ttyUSB。
	PortPrefix string `mapstructure:"port_prefix" json:"port_prefix"`
}

func (c Config) withDefaults() Config {
	if c.BaudRate <= 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBuffer
	}
	return c
}

type (
	openFunc func(name string, mode *goserial.Mode) (goserial.Port, error)
	listFunc func() ([]string, error)
)

type conn struct {
	port    goserial.Port
	onClose func(transport.Handle)
	once    sync.Once
	buf     []byte
	readMu  sync.Mutex
}

// Port 基于 go.bug.st/serial 的 transport.Port 实现。
type Port struct {
	cfg  Config
	open openFunc
	list listFunc

	mu    sync.Mutex
	conns map[transport.Handle]*conn
	log   *log.MLogger
}

var _ transport.Port = (*Port)(nil)

// New 创建串口端口。
func New(cfg Config) *Port {
	return newPort(cfg, goserial.Open, goserial.GetPortsList)
}

func newPort(cfg Config, open openFunc, list listFunc) *Port {
	return &Port{
		cfg:   cfg.withDefaults(),
		open:  open,
		list:  list,
		conns: make(map[transport.Handle]*conn),
		log:   log.With(log.FieldComponent("serial-port")).WithRateGroup("radio.serial", 1, 10),
	}
}

func (p *Port) mode() *goserial.Mode {
	return &goserial.Mode{
		BaudRate: p.cfg.BaudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
}

// Supported 实现 transport.Port.Supported，能枚举串口即视为可用。
func (p *Port) Supported(context.Context) (bool, error) {
	if _, err := p.list(); err != nil {
		return false, merr.WrapErrRadioUnsupported(Kind, err.Error())
	}
	return true, nil
}

// SelectDevice 实现 transport.Port.SelectDevice，返回第一个路径匹配前缀的串口。
// 串口不公布服务，filter.Services 被忽略。
func (p *Port) SelectDevice(ctx context.Context, filter transport.DeviceFilter) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", merr.WrapErrRadioSelectionCanceled(err)
	}
	names, err := p.list()
	if err != nil {
		return "", merr.WrapErrRadioDeviceNotFound(filter, err)
	}

	prefix := lo.Ternary(filter.NamePrefix != "", filter.NamePrefix, p.cfg.PortPrefix)
	name, ok := lo.Find(names, func(n string) bool { return strings.HasPrefix(n, prefix) })
	if !ok {
		return "", merr.WrapErrRadioDeviceNotFound(filter, nil)
	}
	return transport.Handle(name), nil
}

// Open 实现 transport.Port.Open。
func (p *Port) Open(_ context.Context, handle transport.Handle, onClose func(transport.Handle)) error {
	sp, err := p.open(handle.String(), p.mode())
	if err != nil {
		return merr.WrapErrRadioOpenFailed(handle.String(), err)
	}
	if err := sp.SetReadTimeout(p.cfg.ReadTimeout); err != nil {
		_ = sp.Close()
		return merr.WrapErrRadioOpenFailed(handle.String(), err)
	}

	p.mu.Lock()
	old := p.conns[handle]
	p.conns[handle] = &conn{port: sp, onClose: onClose, buf: make([]byte, p.cfg.ReadBufferSize)}
	p.mu.Unlock()

	if old != nil {
		_ = old.port.Close()
	}
	p.log.Info("serial port opened", log.FieldHandle(handle.String()), zap.Int("baud", p.cfg.BaudRate))
	return nil
}

// Close 实现 transport.Port.Close，主动关闭不触发 onClose。
func (p *Port) Close(_ context.Context, handle transport.Handle) error {
	c := p.detach(handle)
	if c == nil {
		return merr.WrapErrRadioNotConnected(handle.String())
	}
	c.once.Do(func() {})
	return c.port.Close()
}

// ListServices 实现 transport.Port.ListServices，串口固定公布 Meshtastic 服务。
func (p *Port) ListServices(_ context.Context, handle transport.Handle) ([]transport.ServiceDescriptor, error) {
	if p.get(handle) == nil {
		return nil, merr.WrapErrRadioNotConnected(handle.String())
	}
	return []transport.ServiceDescriptor{{
		UUID:            transport.ServiceUUID,
		Characteristics: []transport.UUID{transport.ToRadioUUID, transport.FromRadioUUID},
	}}, nil
}

// Subscribe 实现 transport.Port.Subscribe。串口没有通知能力，直接返回 nil。
func (p *Port) Subscribe(_ context.Context, handle transport.Handle, _, _ transport.UUID, _ func()) error {
	if p.get(handle) == nil {
		return merr.WrapErrRadioNotConnected(handle.String())
	}
	return nil
}

// Read 实现 transport.Port.Read。
//
// 读超时返回空切片；其它错误视为链路断开，关闭串口并异步触发 onClose。
func (p *Port) Read(_ context.Context, handle transport.Handle, _, characteristic transport.UUID) ([]byte, error) {
	c := p.get(handle)
	if c == nil {
		return nil, merr.WrapErrRadioNotConnected(handle.String())
	}
	// 串口没有计数特征，读 FromNum 只确认链路仍然打开，不消耗字节流。
	if characteristic.Equal(transport.FromNumUUID) {
		return []byte{}, nil
	}

	c.readMu.Lock()
	n, err := c.port.Read(c.buf)
	out := append([]byte(nil), c.buf[:n]...)
	c.readMu.Unlock()

	if err != nil {
		p.drop(handle, c, err)
		return nil, merr.WrapErrRadioReadFailed(handle.String(), characteristic.String(), err)
	}
	return out, nil
}

// Write 实现 transport.Port.Write，循环写直到整个缓冲区写出。
func (p *Port) Write(_ context.Context, handle transport.Handle, _, characteristic transport.UUID, data []byte) error {
	c := p.get(handle)
	if c == nil {
		return merr.WrapErrRadioNotConnected(handle.String())
	}

	for written := 0; written < len(data); {
		n, err := c.port.Write(data[written:])
		if err != nil {
			p.drop(handle, c, err)
			return merr.WrapErrRadioWriteFailed(handle.String(), characteristic.String(), err)
		}
		if n <= 0 {
			return merr.WrapErrRadioWriteFailed(handle.String(), characteristic.String(), errors.New("short write"))
		}
		written += n
	}
	return nil
}

func (p *Port) get(handle transport.Handle) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[handle]
}

func (p *Port) detach(handle transport.Handle) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[handle]
	delete(p.conns, handle)
	return c
}

// drop 在链路错误后释放连接，仅当 c 仍是当前连接时生效。
func (p *Port) drop(handle transport.Handle, c *conn, cause error) {
	p.mu.Lock()
	if p.conns[handle] != c {
		p.mu.Unlock()
		return
	}
	delete(p.conns, handle)
	p.mu.Unlock()

	_ = c.port.Close()
	p.log.RatedWarn(1, "serial link dropped", log.FieldHandle(handle.String()), zap.Error(cause))
	c.once.Do(func() {
		if c.onClose != nil {
			go c.onClose(handle)
		}
	})
}
