package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSessionID = "sessionID"
	FieldNameKind      = "kind"
	FieldNameHandle    = "handle"
	FieldNameStage     = "stage"
	FieldNameErrorCode = "errorCode"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldSessionID 返回会话 ID 字段。
func FieldSessionID(id uint64) zap.Field {
	return zap.Uint64(FieldNameSessionID, id)
}

// FieldKind 返回传输类型字段（ble/serial/sim）。
func FieldKind(kind string) zap.Field {
	return zap.String(FieldNameKind, kind)
}

// FieldHandle 返回传输句柄字段，例如设备 MAC 地址或串口路径。
func FieldHandle(handle string) zap.Field {
	return zap.String(FieldNameHandle, handle)
}

// FieldStage 返回收发链路阶段字段。
func FieldStage(stage string) zap.Field {
	return zap.String(FieldNameStage, stage)
}

// FieldErrorCode 返回稳定错误码字段，例如 radio:read_failed。
func FieldErrorCode(code string) zap.Field {
	return zap.String(FieldNameErrorCode, code)
}
