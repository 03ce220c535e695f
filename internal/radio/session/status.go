package session

// Status 表示会话当前的连接状态。
//
// 一个连接周期内状态单调推进：Connecting -> Connected -> Disconnected，
// 或失败时 Connecting -> Disconnected。进入 Disconnected 后可以开始新的周期。
type Status int32

const (
	// StatusIdle 为会话构造后、首次连接前的状态。
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

var statusNames = map[Status]string{
	StatusIdle:         "idle",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusDisconnected: "disconnected",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText 使状态在 JSON/YAML 中以名称输出。
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
