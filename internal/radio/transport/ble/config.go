// Package ble 基于 tinygo.org/x/bluetooth 实现 transport.Port（Linux 下走 BlueZ）。
package ble

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
)

// Kind 为 BLE 传输对应的会话类型名。
const Kind = "ble"

const (
	defaultAdapterID   = "hci0"
	defaultScanTimeout = 10 * time.Second
	// Meshtastic 单个 FromRadio 包不超过 512 字节。
	defaultReadBuffer = 512
)

// Config 为 BLE 端口配置。
type Config struct {
	// AdapterID BlueZ 适配器名，默认 hci0。
	AdapterID string `mapstructure:"adapter" json:"adapter"`
	// ScanTimeout 设备选择时的扫描超时。
	ScanTimeout time.Duration `mapstructure:"scan_timeout" json:"scan_timeout"`
	// WriteWithoutResponse 写特征时不等待设备确认。
	WriteWithoutResponse bool `mapstructure:"write_without_response" json:"write_without_response"`
	// ReadBufferSize 单次读取的缓冲区大小。
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size"`
}

func (c Config) withDefaults() Config {
	c.AdapterID = lo.Ternary(c.AdapterID == "", defaultAdapterID, c.AdapterID)
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = defaultScanTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBuffer
	}
	return c
}

// normalizeHandle 统一 MAC 地址的大小写，便于作为 map key。
func normalizeHandle(s string) transport.Handle {
	return transport.Handle(strings.ToUpper(strings.TrimSpace(s)))
}

// matchAdvertisement 判断一条广播是否满足过滤条件。
func matchAdvertisement(filter transport.DeviceFilter, name string, hasService func(transport.UUID) bool) bool {
	if filter.NamePrefix != "" && !strings.HasPrefix(name, filter.NamePrefix) {
		return false
	}
	if len(filter.Services) == 0 {
		return true
	}
	return lo.SomeBy(filter.Services, hasService)
}
