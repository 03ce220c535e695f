//go:build !linux

package ble

import (
	"context"
	"runtime"

	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

// Port 在非 Linux 平台上不可用，所有操作返回 merr.ErrRadioUnsupported。
type Port struct {
	cfg Config
}

var _ transport.Port = (*Port)(nil)

// New 创建一个不可用的 BLE 端口。
func New(cfg Config) *Port {
	return &Port{cfg: cfg.withDefaults()}
}

func unsupported() error {
	return merr.WrapErrRadioUnsupported(Kind, "ble transport is only built for linux, running on "+runtime.GOOS)
}

func (p *Port) Supported(context.Context) (bool, error) { return false, nil }

func (p *Port) SelectDevice(context.Context, transport.DeviceFilter) (transport.Handle, error) {
	return "", unsupported()
}

func (p *Port) Open(context.Context, transport.Handle, func(transport.Handle)) error {
	return unsupported()
}

func (p *Port) Close(context.Context, transport.Handle) error { return unsupported() }

func (p *Port) ListServices(context.Context, transport.Handle) ([]transport.ServiceDescriptor, error) {
	return nil, unsupported()
}

func (p *Port) Subscribe(context.Context, transport.Handle, transport.UUID, transport.UUID, func()) error {
	return unsupported()
}

func (p *Port) Read(context.Context, transport.Handle, transport.UUID, transport.UUID) ([]byte, error) {
	return nil, unsupported()
}

func (p *Port) Write(context.Context, transport.Handle, transport.UUID, transport.UUID, []byte) error {
	return unsupported()
}
