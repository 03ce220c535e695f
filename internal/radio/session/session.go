package session

// Consumer 为会话的上游消费者，负责解析字节流并感知连接状态。
//
// 约定：
//   - 回调可能在会话内部的 goroutine 中执行，不持有会话内部锁；
//   - 回调内可以调用 Write，此时该次写入后的排空由 worker 异步完成；
//   - 实现方应尽快返回，耗时处理请自行异步化。
type Consumer interface {
	// OnStatusChanged 在每次状态写入后调用，包括读取成功时对 Connected 的重复确认。
	OnStatusChanged(sess *BaseSession, status Status)

	// OnBytesReceived 交付一段非空的原始字节，分帧与解码由上游负责。
	OnBytesReceived(sess *BaseSession, data []byte)

	// OnSessionComplete 在断开清理完成后调用，每个连接周期一次。
	OnSessionComplete(sess *BaseSession)
}

// HandshakeObserver 为可选接口，Consumer 实现它即可获知握手结果。
type HandshakeObserver interface {
	// OnHandshakeDone 在握手结束后调用一次，err 为空表示成功。
	OnHandshakeDone(sess *BaseSession, err error)
}

// BaseConsumer 提供 Consumer 的空实现，方便嵌入后只覆写关心的回调。
type BaseConsumer struct{}

var _ Consumer = BaseConsumer{}

func (BaseConsumer) OnStatusChanged(*BaseSession, Status) {}

func (BaseConsumer) OnBytesReceived(*BaseSession, []byte) {}

func (BaseConsumer) OnSessionComplete(*BaseSession) {}
