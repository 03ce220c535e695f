//go:build linux

package ble

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/pkg/log"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

type link struct {
	device   bluetooth.Device
	chars    map[transport.UUID]bluetooth.DeviceCharacteristic
	services []transport.ServiceDescriptor
	onClose  func(transport.Handle)
	buf      []byte
	readMu   sync.Mutex
}

// Port 为 BLE 实现的 transport.Port。
type Port struct {
	cfg     Config
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	seen  map[transport.Handle]bluetooth.Address
	links map[transport.Handle]*link
	log   *log.MLogger
}

var _ transport.Port = (*Port)(nil)

// New 创建 BLE 端口，适配器在首次使用时才启用。
func New(cfg Config) *Port {
	cfg = cfg.withDefaults()
	return &Port{
		cfg:     cfg,
		adapter: bluetooth.NewAdapter(cfg.AdapterID),
		seen:    make(map[transport.Handle]bluetooth.Address),
		links:   make(map[transport.Handle]*link),
		log:     log.With(log.FieldComponent("ble-port"), zap.String("adapter", cfg.AdapterID)).WithRateGroup("radio.ble", 1, 10),
	}
}

func (p *Port) enable() error {
	p.enableOnce.Do(func() {
		if err := p.adapter.Enable(); err != nil {
			p.enableErr = merr.WrapErrRadioUnsupported(Kind, err.Error())
			return
		}
		p.adapter.SetConnectHandler(p.onConnectEvent)
	})
	return p.enableErr
}

// onConnectEvent 由适配器在连接状态变化时调用，只处理被动断开。
func (p *Port) onConnectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	handle := normalizeHandle(device.Address.String())

	p.mu.Lock()
	l, ok := p.links[handle]
	delete(p.links, handle)
	p.mu.Unlock()

	if !ok {
		return
	}
	p.log.Info("ble device disconnected", log.FieldHandle(handle.String()))
	if l.onClose != nil {
		go l.onClose(handle)
	}
}

// Supported 实现 transport.Port.Supported。
func (p *Port) Supported(context.Context) (bool, error) {
	if err := p.enable(); err != nil {
		return false, err
	}
	return true, nil
}

// SelectDevice 实现 transport.Port.SelectDevice，扫描到第一个匹配的广播即返回。
func (p *Port) SelectDevice(ctx context.Context, filter transport.DeviceFilter) (transport.Handle, error) {
	if err := p.enable(); err != nil {
		return "", err
	}

	wanted := make(map[transport.UUID]bluetooth.UUID, len(filter.Services))
	for _, s := range filter.Services {
		u, err := bluetooth.ParseUUID(s.String())
		if err != nil {
			return "", merr.WrapErrParameterInvalid("uuid", s.String(), "device filter")
		}
		wanted[s] = u
	}

	found := make(chan bluetooth.ScanResult, 1)
	done := make(chan error, 1)
	go func() {
		done <- p.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			ok := matchAdvertisement(filter, r.LocalName(), func(u transport.UUID) bool {
				return r.HasServiceUUID(wanted[u])
			})
			if !ok {
				return
			}
			select {
			case found <- r:
				_ = a.StopScan()
			default:
			}
		})
	}()

	timer := time.NewTimer(p.cfg.ScanTimeout)
	defer timer.Stop()

	stop := func() error {
		_ = p.adapter.StopScan()
		return <-done
	}

	select {
	case r := <-found:
		<-done
		return p.remember(r), nil
	case err := <-done:
		select {
		case r := <-found:
			return p.remember(r), nil
		default:
		}
		return "", merr.WrapErrRadioDeviceNotFound(filter, err)
	case <-ctx.Done():
		_ = stop()
		return "", merr.WrapErrRadioSelectionCanceled(ctx.Err())
	case <-timer.C:
		_ = stop()
		return "", merr.WrapErrRadioDeviceNotFound(filter, errors.Newf("no advertisement within %s", p.cfg.ScanTimeout))
	}
}

func (p *Port) remember(r bluetooth.ScanResult) transport.Handle {
	handle := normalizeHandle(r.Address.String())
	p.mu.Lock()
	p.seen[handle] = r.Address
	p.mu.Unlock()
	p.log.Info("ble device selected", log.FieldHandle(handle.String()), zap.String("name", r.LocalName()), zap.Int16("rssi", r.RSSI))
	return handle
}

func (p *Port) address(handle transport.Handle) (bluetooth.Address, error) {
	p.mu.Lock()
	addr, ok := p.seen[handle]
	p.mu.Unlock()
	if ok {
		return addr, nil
	}
	mac, err := bluetooth.ParseMAC(handle.String())
	if err != nil {
		return bluetooth.Address{}, merr.WrapErrParameterInvalid("mac address", handle.String(), err.Error())
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

// Open 实现 transport.Port.Open：连接设备并完成服务与特征发现。
func (p *Port) Open(_ context.Context, handle transport.Handle, onClose func(transport.Handle)) error {
	if err := p.enable(); err != nil {
		return err
	}
	handle = normalizeHandle(handle.String())
	addr, err := p.address(handle)
	if err != nil {
		return merr.WrapErrRadioOpenFailed(handle.String(), err)
	}

	device, err := p.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return merr.WrapErrRadioOpenFailed(handle.String(), err)
	}

	l := &link{
		device:  device,
		chars:   make(map[transport.UUID]bluetooth.DeviceCharacteristic),
		onClose: onClose,
		buf:     make([]byte, p.cfg.ReadBufferSize),
	}
	services, err := device.DiscoverServices(nil)
	if err != nil {
		_ = device.Disconnect()
		return merr.WrapErrRadioOpenFailed(handle.String(), err)
	}
	for _, svc := range services {
		desc := transport.ServiceDescriptor{UUID: transport.UUID(svc.UUID().String())}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			p.log.Warn("characteristic discovery failed", log.FieldHandle(handle.String()), zap.Stringer("service", desc.UUID), zap.Error(err))
		}
		for _, c := range chars {
			id := transport.UUID(c.UUID().String())
			desc.Characteristics = append(desc.Characteristics, id)
			l.chars[id] = c
		}
		l.services = append(l.services, desc)
	}

	p.mu.Lock()
	p.links[handle] = l
	p.mu.Unlock()
	p.log.Info("ble device connected", log.FieldHandle(handle.String()), zap.Int("services", len(l.services)))
	return nil
}

// Close 实现 transport.Port.Close。先摘除连接，断开事件到达时不再触发 onClose。
func (p *Port) Close(_ context.Context, handle transport.Handle) error {
	handle = normalizeHandle(handle.String())
	p.mu.Lock()
	l, ok := p.links[handle]
	delete(p.links, handle)
	p.mu.Unlock()
	if !ok {
		return merr.WrapErrRadioNotConnected(handle.String())
	}
	return l.device.Disconnect()
}

func (p *Port) link(handle transport.Handle) (*link, error) {
	handle = normalizeHandle(handle.String())
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[handle]
	if !ok {
		return nil, merr.WrapErrRadioNotConnected(handle.String())
	}
	return l, nil
}

func (l *link) characteristic(handle transport.Handle, char transport.UUID) (bluetooth.DeviceCharacteristic, error) {
	for id, c := range l.chars {
		if id.Equal(char) {
			return c, nil
		}
	}
	return bluetooth.DeviceCharacteristic{}, merr.WrapErrRadioServiceNotFound(handle.String(), char.String())
}

// ListServices 实现 transport.Port.ListServices，返回 Open 时发现的服务。
func (p *Port) ListServices(_ context.Context, handle transport.Handle) ([]transport.ServiceDescriptor, error) {
	l, err := p.link(handle)
	if err != nil {
		return nil, err
	}
	return l.services, nil
}

// Subscribe 实现 transport.Port.Subscribe。
func (p *Port) Subscribe(_ context.Context, handle transport.Handle, _, characteristic transport.UUID, onAvailable func()) error {
	l, err := p.link(handle)
	if err != nil {
		return err
	}
	c, err := l.characteristic(handle, characteristic)
	if err != nil {
		return merr.WrapErrRadioSubscribeFailed(handle.String(), characteristic.String(), err)
	}
	if err := c.EnableNotifications(func([]byte) { onAvailable() }); err != nil {
		return merr.WrapErrRadioSubscribeFailed(handle.String(), characteristic.String(), err)
	}
	return nil
}

// Read 实现 transport.Port.Read。
func (p *Port) Read(_ context.Context, handle transport.Handle, _, characteristic transport.UUID) ([]byte, error) {
	l, err := p.link(handle)
	if err != nil {
		return nil, err
	}
	c, err := l.characteristic(handle, characteristic)
	if err != nil {
		return nil, merr.WrapErrRadioReadFailed(handle.String(), characteristic.String(), err)
	}

	l.readMu.Lock()
	defer l.readMu.Unlock()
	n, err := c.Read(l.buf)
	if err != nil {
		return nil, merr.WrapErrRadioReadFailed(handle.String(), characteristic.String(), err)
	}
	return append([]byte(nil), l.buf[:n]...), nil
}

// Write 实现 transport.Port.Write。
func (p *Port) Write(_ context.Context, handle transport.Handle, _, characteristic transport.UUID, data []byte) error {
	l, err := p.link(handle)
	if err != nil {
		return err
	}
	c, err := l.characteristic(handle, characteristic)
	if err != nil {
		return merr.WrapErrRadioWriteFailed(handle.String(), characteristic.String(), err)
	}

	if p.cfg.WriteWithoutResponse {
		_, err = c.WriteWithoutResponse(data)
	} else {
		_, err = c.Write(data)
	}
	if err != nil {
		return merr.WrapErrRadioWriteFailed(handle.String(), characteristic.String(), err)
	}
	return nil
}
