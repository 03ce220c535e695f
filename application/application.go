package application

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lk2023060901/meshlink-go/internal/radio/registry"
	"github.com/lk2023060901/meshlink-go/internal/radio/session"
	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/internal/radio/transport/ble"
	"github.com/lk2023060901/meshlink-go/internal/radio/transport/memport"
	"github.com/lk2023060901/meshlink-go/internal/radio/transport/serial"
	zlog "github.com/lk2023060901/meshlink-go/pkg/log"
	"github.com/lk2023060901/meshlink-go/pkg/metrics"
	zviper "github.com/lk2023060901/meshlink-go/pkg/util/viper"
)

const (
	defaultConfigPath = "./config.yaml"
	envConfigPath     = "MESHLINK_CONFIG_FILE_PATH"
)

// SimConfig 为内存端口（sim 类型）配置。
type SimConfig struct {
	// Loopback 为 true 时写入的数据会在下一次读取时原样返回。
	Loopback bool `mapstructure:"loopback" json:"loopback"`
	// Devices 为可供选择的模拟设备句柄，为空时使用 sim-0。
	Devices []string `mapstructure:"devices" json:"devices"`
}

// RadioConfig 对应配置文件中的 radio 段。
type RadioConfig struct {
	// WantConfig 为 true 时连接建立后发送 want_config_id 握手请求。
	WantConfig bool `mapstructure:"want_config" json:"want_config"`

	Session session.Config `mapstructure:"session" json:"session"`
	Serial  serial.Config  `mapstructure:"serial" json:"serial"`
	BLE     ble.Config     `mapstructure:"ble" json:"ble"`
	Sim     SimConfig      `mapstructure:"sim" json:"sim"`
}

type fileConfig struct {
	Radio RadioConfig `mapstructure:"radio"`
}

// Application 为 meshlink 进程的运行时容器，持有配置、日志和会话登记表。
type Application struct {
	cfg      *zviper.Config
	radio    RadioConfig
	loggers  map[string]*zlog.MLogger
	registry *registry.Registry

	registerer prometheus.Registerer
	// ports 覆盖对应类型的端口工厂，主要用于测试。
	ports map[string]registry.PortFactory
}

// Option 为 Application 的构造选项。
type Option func(*Application)

// WithRegisterer 指定指标注册器。
func WithRegisterer(r prometheus.Registerer) Option {
	return func(a *Application) {
		a.registerer = r
	}
}

// WithPortFactory 覆盖 kind 对应的端口工厂。
func WithPortFactory(kind string, factory registry.PortFactory) Option {
	return func(a *Application) {
		a.ports[kind] = factory
	}
}

// New creates a new Application instance.
func New(opts ...Option) *Application {
	a := &Application{
		registerer: prometheus.DefaultRegisterer,
		ports:      make(map[string]registry.PortFactory),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run 解析命令行参数并加载配置，然后初始化日志、指标和会话登记表。
// 配置文件路径优先级：
//  1. 默认：./config.yaml（不存在时使用内置默认值）
//  2. 环境变量：MESHLINK_CONFIG_FILE_PATH
//  3. 命令行：--config <path> 或 --config=<path>
func (a *Application) Run() error {
	cfg, err := a.loadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}
	if err := a.initRadio(); err != nil {
		return err
	}
	return nil
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Radio 返回解析后的 radio 配置。
func (a *Application) Radio() RadioConfig {
	return a.radio
}

// Registry 返回会话登记表，Run 成功之前为 nil。
func (a *Application) Registry() *registry.Registry {
	return a.registry
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// Close 断开所有会话并刷新日志。
func (a *Application) Close(ctx context.Context) error {
	var err error
	if a.registry != nil {
		err = a.registry.DisconnectAll(ctx)
	}
	_ = zlog.Sync()
	return err
}

// loadConfig resolves config file path and loads it via viper wrapper.
func (a *Application) loadConfig(args []string) (*zviper.Config, error) {
	configPath := defaultConfigPath
	explicit := false

	if envPath := os.Getenv(envConfigPath); envPath != "" {
		configPath, explicit = envPath, true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, errors.New("missing value after --config")
			}
			configPath, explicit = args[i+1], true
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			configPath, explicit = val, true
		}
	}

	cfg := zviper.New()
	registerRadioDefaults(cfg)

	if !explicit {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
	}
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, errors.Wrapf(err, "failed to load config file %q", configPath)
	}
	return cfg, nil
}

// registerRadioDefaults 登记 radio 段的全部 key，使 MESHLINK_RADIO_* 环境变量在没有配置文件时也能生效。
func registerRadioDefaults(cfg *zviper.Config) {
	cfg.SetDefault("radio.want_config", true)

	def := session.DefaultConfig()
	cfg.SetDefault("radio.session.service_uuid", def.ServiceUUID.String())
	cfg.SetDefault("radio.session.write_uuid", def.WriteUUID.String())
	cfg.SetDefault("radio.session.read_uuid", def.ReadUUID.String())
	cfg.SetDefault("radio.session.notify_uuid", def.NotifyUUID.String())
	cfg.SetDefault("radio.session.poll_interval", def.PollInterval)
	cfg.SetDefault("radio.session.config_id", def.ConfigID)
	cfg.SetDefault("radio.session.handshake.initial_interval", def.Handshake.InitialInterval)
	cfg.SetDefault("radio.session.handshake.max_interval", def.Handshake.MaxInterval)
	cfg.SetDefault("radio.session.handshake.max_elapsed_time", def.Handshake.MaxElapsedTime)
	cfg.SetDefault("radio.session.handshake.max_retries", def.Handshake.MaxRetries)

	cfg.SetDefault("radio.serial.baud_rate", 115200)
	cfg.SetDefault("radio.serial.read_timeout", 50*time.Millisecond)
	cfg.SetDefault("radio.serial.read_buffer_size", 512)
	cfg.SetDefault("radio.serial.port_prefix", "")

	cfg.SetDefault("radio.ble.adapter", "hci0")
	cfg.SetDefault("radio.ble.scan_timeout", 10*time.Second)
	cfg.SetDefault("radio.ble.write_without_response", false)
	cfg.SetDefault("radio.ble.read_buffer_size", 512)

	cfg.SetDefault("radio.sim.loopback", true)
	cfg.SetDefault("radio.sim.devices", []string{})
}

// initRadio 解析 radio 段，注册指标并构建会话登记表。
func (a *Application) initRadio() error {
	var fc fileConfig
	if err := a.cfg.Unmarshal(&fc); err != nil {
		return errors.Wrap(err, "parse radio config")
	}
	a.radio = fc.Radio

	metrics.Register(a.registerer)

	factories := map[string]registry.PortFactory{
		ble.Kind: func() (transport.Port, error) {
			return ble.New(a.radio.BLE), nil
		},
		serial.Kind: func() (transport.Port, error) {
			return serial.New(a.radio.Serial), nil
		},
		memport.Kind: func() (transport.Port, error) {
			return newSimPort(a.radio.Sim), nil
		},
	}
	for kind, factory := range a.ports {
		factories[kind] = factory
	}

	defaults := a.radio.Session
	if a.radio.WantConfig {
		defaults.Handshaker = session.WantConfig()
	}
	opts := []registry.Option{registry.WithDefaults(defaults)}
	for kind, factory := range factories {
		opts = append(opts, registry.WithFactory(kind, factory))
	}
	a.registry = registry.New(opts...)

	zlog.Info("radio registry ready",
		zap.Strings("kinds", a.registry.Kinds()),
		zap.Duration("pollInterval", a.radio.Session.PollInterval))
	return nil
}

func newSimPort(cfg SimConfig) *memport.Port {
	var opts []memport.Option
	if cfg.Loopback {
		opts = append(opts, memport.WithLoopback())
	}
	if len(cfg.Devices) > 0 {
		handles := make([]transport.Handle, 0, len(cfg.Devices))
		for _, d := range cfg.Devices {
			handles = append(handles, transport.Handle(d))
		}
		opts = append(opts, memport.WithDevices(handles...))
	}
	return memport.New(opts...)
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv configures the process-wide logger based on MESHLINK_LOG_* env vars.
//
// Priority:
//   - MESHLINK_LOG_ENABLE: "1"/"true" to enable outputs; others treated as disabled.
//   - MESHLINK_LOG_LEVEL: log level (default "info").
//   - MESHLINK_LOG_STDOUT: whether to log to stdout (default false).
//   - MESHLINK_LOG_FILE_DIR: log directory.
//   - MESHLINK_LOG_FILE: log file name (empty means no file).
//   - MESHLINK_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("MESHLINK_LOG_ENABLE", false)

	cfg := &zlog.Config{
		Level:               getenvDefault("MESHLINK_LOG_LEVEL", "info"),
		Format:              getenvDefault("MESHLINK_LOG_FORMAT", "text"),
		Stdout:              getenvBool("MESHLINK_LOG_STDOUT", false),
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("MESHLINK_LOG_FILE_DIR", ""),
			Filename: getenvDefault("MESHLINK_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
//
// Example:
//
//	logging:
//	  radio:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: radio.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger}
	}
	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
