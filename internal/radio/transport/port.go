// Package transport 定义无线电连接层依赖的传输端口能力集。
//
// 端口以"特征"为粒度暴露读、写、通知三类原语（GATT 模型），
// 会话层在其上拼出连续的双向字节流。具体实现见 ble、serial、memport 子包。
package transport

import (
	"context"
	"strings"
)

// Handle 为端口分配的设备句柄，例如 BLE MAC 地址或串口设备路径。
type Handle string

func (h Handle) String() string {
	return string(h)
}

// UUID 为服务或特征的标识，统一使用小写带连字符的 128 位形式。
type UUID string

func (u UUID) String() string {
	return string(u)
}

// Equal 忽略大小写比较两个 UUID。
func (u UUID) Equal(other UUID) bool {
	return strings.EqualFold(string(u), string(other))
}

// Meshtastic 设备的 GATT 服务与特征。
const (
	ServiceUUID   UUID = "6ba1b218-15a8-461f-9fa8-5dcae273eafd"
	ToRadioUUID   UUID = "f75c76d2-129e-4dad-a1dd-7866124401e7" // 写
	FromRadioUUID UUID = "2c55e69e-4993-11ed-b878-0242ac120002" // 读
	FromNumUUID   UUID = "ed9da18c-a800-4f66-a670-aa7547e34453" // 通知
)

// ServiceDescriptor 描述设备公布的一个服务。
type ServiceDescriptor struct {
	UUID            UUID   `json:"uuid"`
	Characteristics []UUID `json:"characteristics,omitempty"`
}

// HasCharacteristic 判断服务是否包含指定特征。
func (d ServiceDescriptor) HasCharacteristic(char UUID) bool {
	for _, c := range d.Characteristics {
		if c.Equal(char) {
			return true
		}
	}
	return false
}

// DeviceFilter 为设备选择条件。
type DeviceFilter struct {
	// Services 要求设备公布的服务，任一匹配即可。
	Services []UUID `json:"services,omitempty" mapstructure:"services"`
	// NamePrefix 要求设备名（或串口路径）带有的前缀，为空表示不限。
	NamePrefix string `json:"name_prefix,omitempty" mapstructure:"name_prefix"`
}

// DefaultFilter 返回限定在 Meshtastic 服务上的默认过滤条件。
func DefaultFilter() DeviceFilter {
	return DeviceFilter{Services: []UUID{ServiceUUID}}
}

// IsZero 判断过滤条件是否为空。
func (f DeviceFilter) IsZero() bool {
	return len(f.Services) == 0 && f.NamePrefix == ""
}

// Port 抽象了一个基于特征的传输端口。
//
// 约定：
//   - 所有方法可能阻塞，调用方通过 ctx 控制等待；
//   - 实现必须可被多个 goroutine 并发调用；
//   - 会话层只依赖此能力集，不关心底层是 BLE、串口还是内存模拟。
type Port interface {
	// Supported 判断当前环境是否可用该传输（例如蓝牙适配器是否开启）。
	Supported(ctx context.Context) (bool, error)

	// SelectDevice 按过滤条件选择一个设备并返回其句柄。
	//
	// 返回：
	//   - 未找到设备时返回 merr.ErrRadioDeviceNotFound；
	//   - ctx 在选择过程中被取消时返回 merr.ErrRadioSelectionCanceled。
	SelectDevice(ctx context.Context, filter DeviceFilter) (Handle, error)

	// Open 打开与设备的连接。
	//
	// 参数：
	//   - onClose：连接被动断开时由端口异步调用一次；主动 Close 不触发。
	Open(ctx context.Context, handle Handle, onClose func(Handle)) error

	// Close 关闭与设备的连接。对未打开的句柄返回 merr.ErrRadioNotConnected。
	Close(ctx context.Context, handle Handle) error

	// ListServices 返回设备公布的服务列表。
	ListServices(ctx context.Context, handle Handle) ([]ServiceDescriptor, error)

	// Subscribe 订阅特征的"数据可读"通知，每次通知调用一次 onAvailable。
	//
	// 说明：
	//   - onAvailable 可能在端口内部的 goroutine 中调用，实现方不得在其中阻塞等待调用方；
	//   - 不支持通知的端口可以直接返回 nil，由会话层的轮询兜底。
	Subscribe(ctx context.Context, handle Handle, service, characteristic UUID, onAvailable func()) error

	// Read 读取一次特征值。返回空切片表示当前没有待读数据。
	Read(ctx context.Context, handle Handle, service, characteristic UUID) ([]byte, error)

	// Write 将 data 整体写入特征，不做分片。
	Write(ctx context.Context, handle Handle, service, characteristic UUID, data []byte) error
}

// FindService 从服务列表中找出指定 UUID 的服务。
func FindService(services []ServiceDescriptor, uuid UUID) (ServiceDescriptor, bool) {
	for _, s := range services {
		if s.UUID.Equal(uuid) {
			return s, true
		}
	}
	return ServiceDescriptor{}, false
}
