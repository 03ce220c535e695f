package session

import (
	"time"

	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
)

const (
	defaultPollInterval = time.Second

	defaultHandshakeInitialInterval = 500 * time.Millisecond
	defaultHandshakeMaxInterval     = 5 * time.Second
	defaultHandshakeMaxElapsed      = 30 * time.Second
	defaultHandshakeMaxRetries      = 5
)

// HandshakeConfig 为握手重试的退避参数。
type HandshakeConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" json:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" json:"max_elapsed_time"`
	MaxRetries      uint64        `mapstructure:"max_retries" json:"max_retries"`
}

// Config 为会话配置，零值字段使用默认值。
type Config struct {
	// ServiceUUID 期望协商的服务。
	ServiceUUID transport.UUID `mapstructure:"service_uuid" json:"service_uuid"`
	// WriteUUID 写特征（toRadio）。
	WriteUUID transport.UUID `mapstructure:"write_uuid" json:"write_uuid"`
	// ReadUUID 读特征（fromRadio）。
	ReadUUID transport.UUID `mapstructure:"read_uuid" json:"read_uuid"`
	// NotifyUUID 数据可读通知特征（fromNum），同时用作 Ping 的探测目标。
	NotifyUUID transport.UUID `mapstructure:"notify_uuid" json:"notify_uuid"`

	// PollInterval 轮询排空的间隔，默认 1s。
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`

	// ConfigID 透传给握手方的配置请求 ID。
	ConfigID uint32 `mapstructure:"config_id" json:"config_id"`

	Handshake HandshakeConfig `mapstructure:"handshake" json:"handshake"`

	Consumer   Consumer   `mapstructure:"-" json:"-"`
	Handshaker Handshaker `mapstructure:"-" json:"-"`
}

// DefaultConfig 返回 Meshtastic 设备的默认会话配置。
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.ServiceUUID == "" {
		c.ServiceUUID = transport.ServiceUUID
	}
	if c.WriteUUID == "" {
		c.WriteUUID = transport.ToRadioUUID
	}
	if c.ReadUUID == "" {
		c.ReadUUID = transport.FromRadioUUID
	}
	if c.NotifyUUID == "" {
		c.NotifyUUID = transport.FromNumUUID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Handshake.InitialInterval <= 0 {
		c.Handshake.InitialInterval = defaultHandshakeInitialInterval
	}
	if c.Handshake.MaxInterval <= 0 {
		c.Handshake.MaxInterval = defaultHandshakeMaxInterval
	}
	if c.Handshake.MaxElapsedTime <= 0 {
		c.Handshake.MaxElapsedTime = defaultHandshakeMaxElapsed
	}
	if c.Handshake.MaxRetries == 0 {
		c.Handshake.MaxRetries = defaultHandshakeMaxRetries
	}
	if c.Consumer == nil {
		c.Consumer = BaseConsumer{}
	}
	return c
}
