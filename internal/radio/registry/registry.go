// Package registry 维护进程内所有会话的有序登记表。
//
// 职责说明：
//   - 只负责会话的创建、登记、查询和移除，不持有会话的底层资源；
//   - 保留插入顺序，允许重复登记，按引用移除时只移除第一个匹配项；
//   - 会话 ID 单调分配，按 ID 的操作没有歧义。
package registry

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/meshlink-go/internal/radio/session"
	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/pkg/log"
	"github.com/lk2023060901/meshlink-go/pkg/metrics"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

// PortFactory 为某种传输类型构造端口。
type PortFactory func() (transport.Port, error)

// Registry 为会话登记表，可被多个 goroutine 并发使用。
type Registry struct {
	mu        sync.RWMutex
	sessions  []*session.BaseSession
	factories map[string]PortFactory
	defaults  session.Config
}

// Option 为 Registry 的构造选项。
type Option func(*Registry)

// WithFactory 为 kind 注册端口工厂，重复注册以最后一次为准。
func WithFactory(kind string, factory PortFactory) Option {
	return func(r *Registry) {
		r.factories[kind] = factory
	}
}

// WithPort 为 kind 注册一个共享端口，所有该类型的会话复用同一个端口。
func WithPort(kind string, port transport.Port) Option {
	return WithFactory(kind, func() (transport.Port, error) { return port, nil })
}

// WithDefaults 设置 CreateSession 的默认会话配置，调用方传入的非零字段优先。
func WithDefaults(cfg session.Config) Option {
	return func(r *Registry) {
		r.defaults = cfg
	}
}

// New 创建一个空的登记表。
func New(opts ...Option) *Registry {
	r := &Registry{
		factories: make(map[string]PortFactory),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kinds 返回已注册的传输类型，按名称排序。
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := lo.Keys(r.factories)
	slices.Sort(kinds)
	return kinds
}

// CreateSession 构造 kind 类型的会话并追加到登记表末尾，不做重复检测。
func (r *Registry) CreateSession(kind string, cfg session.Config) (*session.BaseSession, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	defaults := r.defaults
	r.mu.RUnlock()
	if !ok {
		return nil, merr.WrapErrKindNotSupported(kind)
	}

	port, err := factory()
	if err != nil {
		return nil, err
	}

	sess := session.New(kind, port, mergeConfig(defaults, cfg))
	r.AddSession(sess)
	log.Debug("session created", log.FieldSessionID(sess.ID()), log.FieldKind(kind))
	return sess, nil
}

// AddSession 追加一个已构造的会话，nil 被忽略。
func (r *Registry) AddSession(sess *session.BaseSession) {
	if sess == nil {
		return
	}
	r.mu.Lock()
	r.sessions = append(r.sessions, sess)
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.RegistrySessions.Set(float64(n))
}

// RemoveSession 按引用移除第一个匹配的会话，不存在时为空操作。
// 只移除登记，不断开会话。
func (r *Registry) RemoveSession(sess *session.BaseSession) bool {
	return r.removeFirst(func(s *session.BaseSession) bool { return s == sess })
}

// RemoveByID 按 ID 移除第一个匹配的会话。
func (r *Registry) RemoveByID(id uint64) bool {
	return r.removeFirst(func(s *session.BaseSession) bool { return s.ID() == id })
}

func (r *Registry) removeFirst(match func(*session.BaseSession) bool) bool {
	r.mu.Lock()
	idx := slices.IndexFunc(r.sessions, match)
	if idx >= 0 {
		r.sessions = slices.Delete(r.sessions, idx, idx+1)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if idx >= 0 {
		metrics.RegistrySessions.Set(float64(n))
	}
	return idx >= 0
}

// Get 按 ID 查找会话。
func (r *Registry) Get(id uint64) (*session.BaseSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Find(r.sessions, func(s *session.BaseSession) bool { return s.ID() == id })
}

// Sessions 返回按插入顺序排列的会话副本。
func (r *Registry) Sessions() []*session.BaseSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.sessions)
}

// Range 按插入顺序遍历会话，fn 返回 false 时中断。遍历基于快照，回调中可修改登记表。
func (r *Registry) Range(fn func(sess *session.BaseSession) bool) {
	if fn == nil {
		return
	}
	for _, sess := range r.Sessions() {
		if !fn(sess) {
			return
		}
	}
}

// Count 返回登记的会话数量，重复登记按次数计算。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DisconnectAll 并行断开所有登记的会话（同一会话只断开一次），返回合并后的错误。
// 会话仍保留在登记表中。
func (r *Registry) DisconnectAll(ctx context.Context) error {
	sessions := lo.Uniq(r.Sessions())
	errs := make([]error, len(sessions))

	g, gctx := errgroup.WithContext(ctx)
	for i, sess := range sessions {
		g.Go(func() error {
			if err := sess.Disconnect(context.WithoutCancel(gctx)); err != nil {
				log.Warn("disconnect session failed", log.FieldSessionID(sess.ID()), zap.Error(err))
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return merr.Combine(errs...)
}

// Snapshot 返回所有会话的只读快照，按插入顺序排列。
func (r *Registry) Snapshot() []session.Info {
	return lo.Map(r.Sessions(), func(s *session.BaseSession, _ int) session.Info { return s.Info() })
}

func mergeConfig(defaults, cfg session.Config) session.Config {
	out := defaults
	out.ServiceUUID = lo.Ternary(cfg.ServiceUUID != "", cfg.ServiceUUID, defaults.ServiceUUID)
	out.WriteUUID = lo.Ternary(cfg.WriteUUID != "", cfg.WriteUUID, defaults.WriteUUID)
	out.ReadUUID = lo.Ternary(cfg.ReadUUID != "", cfg.ReadUUID, defaults.ReadUUID)
	out.NotifyUUID = lo.Ternary(cfg.NotifyUUID != "", cfg.NotifyUUID, defaults.NotifyUUID)
	out.PollInterval = lo.Ternary(cfg.PollInterval > 0, cfg.PollInterval, defaults.PollInterval)
	out.ConfigID = lo.Ternary(cfg.ConfigID != 0, cfg.ConfigID, defaults.ConfigID)
	if cfg.Handshake != (session.HandshakeConfig{}) {
		out.Handshake = cfg.Handshake
	}
	if cfg.Consumer != nil {
		out.Consumer = cfg.Consumer
	}
	if cfg.Handshaker != nil {
		out.Handshaker = cfg.Handshaker
	}
	return out
}
