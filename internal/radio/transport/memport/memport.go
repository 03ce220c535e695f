// Package memport 提供一个可编排的内存传输端口。
//
// 用途：
//   - 单元测试中作为 transport.Port 的桩，按脚本返回读结果、注入写失败、模拟通知与被动断开；
//   - 注册表中的 "sim" 类型会话，开启回环模式后写入的数据会原样出现在读特征上。
package memport

import (
	"context"
	"encoding/binary"
	"slices"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/pkg/log"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

// Kind 为内存端口对应的会话类型名。
const Kind = "sim"

// DefaultHandle 为未配置设备列表时 SelectDevice 返回的句柄。
const DefaultHandle transport.Handle = "sim-0"

// ReadResult 为一次脚本化读取的结果。
type ReadResult struct {
	Data []byte
	Err  error
}

// Data 构造一组按顺序返回的成功读取结果。
func Data(chunks ...[]byte) []ReadResult {
	results := make([]ReadResult, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, ReadResult{Data: c})
	}
	return results
}

type link struct {
	onClose     func(transport.Handle)
	subscribers []func()
}

// Port 为内存实现的 transport.Port。
type Port struct {
	mu sync.Mutex

	supported bool
	devices   []transport.Handle
	services  []transport.ServiceDescriptor
	loopback  bool

	selectErr    error
	openErr      error
	closeErr     error
	listErr      error
	subscribeErr error
	writeErr     error
	probeErr     error

	reads   []ReadResult
	pending [][]byte
	written [][]byte
	links   map[transport.Handle]*link

	selectHook func(ctx context.Context) error
	readHook   func(call int64)
	writeHook  func(data []byte) error

	selects atomic.Int64
	opens   atomic.Int64
	closes  atomic.Int64
	readN   atomic.Int64
	writeN  atomic.Int64
	probes  atomic.Int64
}

var _ transport.Port = (*Port)(nil)

// Option 为 Port 的构造选项。
type Option func(*Port)

// WithDevices 设置 SelectDevice 可选的设备，按顺序返回第一个匹配项。
func WithDevices(handles ...transport.Handle) Option {
	return func(p *Port) {
		p.devices = append(p.devices, handles...)
	}
}

// WithServices 设置 ListServices 返回的服务列表。
func WithServices(services ...transport.ServiceDescriptor) Option {
	return func(p *Port) {
		p.services = services
	}
}

// WithLoopback 开启回环：写入的数据在下一次读取时返回。
func WithLoopback() Option {
	return func(p *Port) {
		p.loopback = true
	}
}

// WithReads 预置脚本化的读取结果，耗尽后读取返回空切片。
func WithReads(results ...ReadResult) Option {
	return func(p *Port) {
		p.reads = append(p.reads, results...)
	}
}

// WithSelectHook 设置每次 SelectDevice 开始时调用的钩子，返回错误时该次选择失败。
// 钩子可以阻塞，用于模拟等待用户选择设备。
func WithSelectHook(fn func(ctx context.Context) error) Option {
	return func(p *Port) {
		p.selectHook = fn
	}
}

// WithReadHook 设置每次读取前调用的钩子，call 从 1 开始计数。
func WithReadHook(fn func(call int64)) Option {
	return func(p *Port) {
		p.readHook = fn
	}
}

// WithWriteHook 设置每次写入时调用的钩子，返回错误时该次写入失败。
func WithWriteHook(fn func(data []byte) error) Option {
	return func(p *Port) {
		p.writeHook = fn
	}
}

// MeshtasticService 返回带完整特征的 Meshtastic 服务描述。
func MeshtasticService() transport.ServiceDescriptor {
	return transport.ServiceDescriptor{
		UUID: transport.ServiceUUID,
		Characteristics: []transport.UUID{
			transport.ToRadioUUID,
			transport.FromRadioUUID,
			transport.FromNumUUID,
		},
	}
}

// New 创建一个内存端口，默认公布 Meshtastic 服务。
func New(opts ...Option) *Port {
	p := &Port{
		supported: true,
		services:  []transport.ServiceDescriptor{MeshtasticService()},
		links:     make(map[transport.Handle]*link),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Supported 实现 transport.Port.Supported。
func (p *Port) Supported(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supported, nil
}

// SelectDevice 实现 transport.Port.SelectDevice。
func (p *Port) SelectDevice(ctx context.Context, filter transport.DeviceFilter) (transport.Handle, error) {
	p.selects.Inc()
	p.mu.Lock()
	hook := p.selectHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", merr.WrapErrRadioSelectionCanceled(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selectErr != nil {
		return "", p.selectErr
	}
	if len(p.devices) == 0 {
		return DefaultHandle, nil
	}
	for _, h := range p.devices {
		if strings.HasPrefix(h.String(), filter.NamePrefix) {
			return h, nil
		}
	}
	return "", merr.WrapErrRadioDeviceNotFound(filter, nil)
}

// Open 实现 transport.Port.Open。
func (p *Port) Open(_ context.Context, handle transport.Handle, onClose func(transport.Handle)) error {
	p.opens.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return merr.WrapErrRadioOpenFailed(handle.String(), p.openErr)
	}
	p.links[handle] = &link{onClose: onClose}
	log.Debug("memport: opened", log.FieldHandle(handle.String()))
	return nil
}

// Close 实现 transport.Port.Close。
func (p *Port) Close(_ context.Context, handle transport.Handle) error {
	p.closes.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.links[handle]; !ok {
		return merr.WrapErrRadioNotConnected(handle.String())
	}
	delete(p.links, handle)
	return p.closeErr
}

// ListServices 实现 transport.Port.ListServices。
func (p *Port) ListServices(_ context.Context, handle transport.Handle) ([]transport.ServiceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.links[handle]; !ok {
		return nil, merr.WrapErrRadioNotConnected(handle.String())
	}
	if p.listErr != nil {
		return nil, p.listErr
	}
	return slices.Clone(p.services), nil
}

// Subscribe 实现 transport.Port.Subscribe。
func (p *Port) Subscribe(_ context.Context, handle transport.Handle, _, characteristic transport.UUID, onAvailable func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[handle]
	if !ok {
		return merr.WrapErrRadioNotConnected(handle.String())
	}
	if p.subscribeErr != nil {
		return merr.WrapErrRadioSubscribeFailed(handle.String(), characteristic.String(), p.subscribeErr)
	}
	l.subscribers = append(l.subscribers, onAvailable)
	return nil
}

// Read 实现 transport.Port.Read。
//
// 读取 FromNum 特征时返回小端序的写入计数，不消耗脚本化结果，也不计入 Reads。
func (p *Port) Read(_ context.Context, handle transport.Handle, _, characteristic transport.UUID) ([]byte, error) {
	if characteristic.Equal(transport.FromNumUUID) {
		return p.readFromNum(handle)
	}
	call := p.readN.Inc()

	p.mu.Lock()
	hook := p.readHook
	p.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.links[handle]; !ok {
		return nil, merr.WrapErrRadioNotConnected(handle.String())
	}
	if len(p.reads) > 0 {
		r := p.reads[0]
		p.reads = p.reads[1:]
		if r.Err != nil {
			return nil, merr.WrapErrRadioReadFailed(handle.String(), characteristic.String(), r.Err)
		}
		return slices.Clone(r.Data), nil
	}
	if len(p.pending) > 0 {
		data := p.pending[0]
		p.pending = p.pending[1:]
		return data, nil
	}
	return []byte{}, nil
}

func (p *Port) readFromNum(handle transport.Handle) ([]byte, error) {
	p.probes.Inc()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.links[handle]; !ok {
		return nil, merr.WrapErrRadioNotConnected(handle.String())
	}
	if p.probeErr != nil {
		return nil, merr.WrapErrRadioReadFailed(handle.String(), transport.FromNumUUID.String(), p.probeErr)
	}
	return binary.LittleEndian.AppendUint32(nil, uint32(len(p.written))), nil
}

// Write 实现 transport.Port.Write。
func (p *Port) Write(_ context.Context, handle transport.Handle, _, characteristic transport.UUID, data []byte) error {
	p.writeN.Inc()

	p.mu.Lock()
	hook := p.writeHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(data); err != nil {
			return merr.WrapErrRadioWriteFailed(handle.String(), characteristic.String(), err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.links[handle]; !ok {
		return merr.WrapErrRadioNotConnected(handle.String())
	}
	if p.writeErr != nil {
		return merr.WrapErrRadioWriteFailed(handle.String(), characteristic.String(), p.writeErr)
	}
	buf := slices.Clone(data)
	p.written = append(p.written, buf)
	if p.loopback {
		p.pending = append(p.pending, slices.Clone(buf))
	}
	return nil
}

// QueueRead 追加成功读取结果。
func (p *Port) QueueRead(chunks ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, Data(chunks...)...)
}

// QueueReadError 追加一次失败的读取。
func (p *Port) QueueReadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, ReadResult{Err: err})
}

// SetSupported 设置 Supported 的返回值。
func (p *Port) SetSupported(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supported = v
}

// FailSelect 令后续 SelectDevice 返回 err，传 nil 恢复。
func (p *Port) FailSelect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selectErr = err
}

// FailOpen 令后续 Open 失败，传 nil 恢复。
func (p *Port) FailOpen(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

// FailClose 令后续 Close 在释放连接后返回 err。
func (p *Port) FailClose(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

// FailListServices 令后续 ListServices 返回 err。
func (p *Port) FailListServices(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = err
}

// FailSubscribe 令后续 Subscribe 失败。
func (p *Port) FailSubscribe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeErr = err
}

// FailWrite 令后续 Write 失败。
func (p *Port) FailWrite(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// FailProbe 令后续 FromNum 读取失败。
func (p *Port) FailProbe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeErr = err
}

// TriggerNotify 向 handle 上的所有订阅者发送一次数据可读通知，返回通知的订阅者数。
func (p *Port) TriggerNotify(handle transport.Handle) int {
	p.mu.Lock()
	l, ok := p.links[handle]
	var subs []func()
	if ok {
		subs = slices.Clone(l.subscribers)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return len(subs)
}

// SimulateClose 模拟设备被动断开：释放连接并在调用方 goroutine 中执行 onClose。
func (p *Port) SimulateClose(handle transport.Handle) bool {
	p.mu.Lock()
	l, ok := p.links[handle]
	delete(p.links, handle)
	p.mu.Unlock()

	if !ok {
		return false
	}
	log.Debug("memport: link dropped", log.FieldHandle(handle.String()), zap.Int("subscribers", len(l.subscribers)))
	if l.onClose != nil {
		l.onClose(handle)
	}
	return true
}

// IsOpen 判断 handle 当前是否处于打开状态。
func (p *Port) IsOpen(handle transport.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.links[handle]
	return ok
}

// Written 返回所有成功写入的数据副本。
func (p *Port) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, 0, len(p.written))
	for _, w := range p.written {
		out = append(out, slices.Clone(w))
	}
	return out
}

// Selects 返回 SelectDevice 被调用的次数。
func (p *Port) Selects() int64 { return p.selects.Load() }

// Opens 返回 Open 被调用的次数。
func (p *Port) Opens() int64 { return p.opens.Load() }

// Closes 返回 Close 被调用的次数。
func (p *Port) Closes() int64 { return p.closes.Load() }

// Reads 返回 Read 被调用的次数。
func (p *Port) Reads() int64 { return p.readN.Load() }

// Probes 返回 FromNum 特征被读取的次数。
func (p *Port) Probes() int64 { return p.probes.Load() }

// Writes 返回 Write 被调用的次数。
func (p *Port) Writes() int64 { return p.writeN.Load() }
