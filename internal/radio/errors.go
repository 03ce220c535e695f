// Package radio 定义无线电连接层共享的阶段与错误码。
package radio

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

// Stage 表示设备连接与收发链路中的处理阶段。
//
// 主要用于日志字段与监控标签，标记错误发生的位置。
type Stage string

const (
	StageResolve   Stage = "resolve"   // 解析设备句柄（显式指定或设备选择）
	StageOpen      Stage = "open"      // 打开传输
	StageDiscover  Stage = "discover"  // 枚举服务
	StageSubscribe Stage = "subscribe" // 订阅通知特征
	StageRead      Stage = "read"      // 读取特征
	StageWrite     Stage = "write"     // 写入特征
	StageHandshake Stage = "handshake" // 上层配置握手
	StageClose     Stage = "close"     // 关闭传输
)

func (s Stage) String() string {
	return string(s)
}

// 统一的错误码常量。
//
// 这些是用于日志/监控的稳定字符串，与 merr 中的错误一一对应。
const (
	ErrCodeResolveFailed   = "radio:resolve_failed"
	ErrCodeOpenFailed      = "radio:open_failed"
	ErrCodeDiscoverFailed  = "radio:discover_failed"
	ErrCodeSubscribeFailed = "radio:subscribe_failed"
	ErrCodeReadFailed      = "radio:read_failed"
	ErrCodeWriteFailed     = "radio:write_failed"
	ErrCodeHandshakeFailed = "radio:handshake_failed"
	ErrCodeCloseFailed     = "radio:close_failed"
)

var stageErrorCodes = map[Stage]string{
	StageResolve:   ErrCodeResolveFailed,
	StageOpen:      ErrCodeOpenFailed,
	StageDiscover:  ErrCodeDiscoverFailed,
	StageSubscribe: ErrCodeSubscribeFailed,
	StageRead:      ErrCodeReadFailed,
	StageWrite:     ErrCodeWriteFailed,
	StageHandshake: ErrCodeHandshakeFailed,
	StageClose:     ErrCodeCloseFailed,
}

// ErrorCode 返回阶段对应的稳定错误码字符串。
func (s Stage) ErrorCode() string {
	if code, ok := stageErrorCodes[s]; ok {
		return code
	}
	return "radio:" + string(s) + "_failed"
}

// ErrorCodeOf 返回 err 的错误码。err 能识别出所属阶段时以其为准，否则使用发生阶段 at 的错误码。
func ErrorCodeOf(at Stage, err error) string {
	if stage := StageOf(err); stage != "" {
		return stage.ErrorCode()
	}
	return at.ErrorCode()
}

// StageOf 根据 merr 错误推断其所属阶段，无法识别时返回空串。
func StageOf(err error) Stage {
	switch {
	case err == nil:
		return ""
	case errors.IsAny(err, merr.ErrRadioDeviceNotFound, merr.ErrRadioSelectionCanceled, merr.ErrRadioUnsupported):
		return StageResolve
	case errors.Is(err, merr.ErrRadioOpenFailed):
		return StageOpen
	case errors.Is(err, merr.ErrRadioServiceNotFound):
		return StageDiscover
	case errors.Is(err, merr.ErrRadioSubscribeFailed):
		return StageSubscribe
	case errors.Is(err, merr.ErrRadioReadFailed):
		return StageRead
	case errors.IsAny(err, merr.ErrRadioWriteFailed, merr.ErrRadioNotConnected):
		return StageWrite
	case errors.Is(err, merr.ErrRadioHandshakeFailed):
		return StageHandshake
	case errors.Is(err, merr.ErrRadioClosed):
		return StageClose
	}
	return ""
}
