// Package json 统一项目内的 JSON 编解码实现，底层使用 bytedance/sonic。
package json

import (
	"github.com/bytedance/sonic"
)

var (
	json = sonic.ConfigStd

	Marshal       = json.Marshal
	Unmarshal     = json.Unmarshal
	MarshalIndent = json.MarshalIndent
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
	Valid         = json.Valid
)

// MarshalString 序列化为字符串，常用于日志字段。
func MarshalString(v any) (string, error) {
	return json.MarshalToString(v)
}
