package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	xerrors "OpenCRM-Dialog/internal/errors"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 CRMDIALOG_SERVER_ADDRESS。
const EnvPrefix = "CRMDIALOG"

// Config 描述了 CRM 对话服务在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Session      SessionConfig      `mapstructure:"session"`
	Directory    DirectoryConfig    `mapstructure:"directory"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Enrichment   EnrichmentConfig   `mapstructure:"enrichment"`
	Notify       NotifyConfig       `mapstructure:"notify"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format      string      `mapstructure:"format" validate:"oneof=json text"`
	OutputPaths []string    `mapstructure:"output_paths"`
	AddSource   bool        `mapstructure:"add_source"`
	Audit       AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志文件及其轮转。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `mapstructure:"provider" validate:"oneof=openai python_bridge"`
	OpenAI   OpenAIConfig       `mapstructure:"openai"`
	Python   PythonBridgeConfig `mapstructure:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。APIKey 为空时从 APIKeyEnv 指定的环境变量读取。
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	APIKeyEnv   string        `mapstructure:"api_key_env"`
	BaseURL     string        `mapstructure:"base_url" validate:"omitempty,url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `mapstructure:"python_executable"`
	ScriptPath       string `mapstructure:"script_path"`
	WorkingDir       string `mapstructure:"working_dir"`
}

// OrchestratorConfig 控制单轮对话的超时与轮数。
type OrchestratorConfig struct {
	LLMTimeout        time.Duration `mapstructure:"llm_timeout"`
	ToolTimeout       time.Duration `mapstructure:"tool_timeout"`
	MaxRounds         int           `mapstructure:"max_rounds" validate:"gte=1,lte=16"`
	SlowToolThreshold time.Duration `mapstructure:"slow_tool_threshold"`
	SystemInstruction string        `mapstructure:"system_instruction"`
}

// SessionConfig 选择会话存储。
type SessionConfig struct {
	Driver     string        `mapstructure:"driver" validate:"oneof=memory redis"`
	Redis      RedisConfig   `mapstructure:"redis"`
	Prefix     string        `mapstructure:"prefix"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxHistory int           `mapstructure:"max_history" validate:"gte=1"`
	MaxRecent  int           `mapstructure:"max_recent" validate:"gte=1"`
}

// RedisConfig 是 Redis 连接信息。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// DirectoryConfig 选择 CRM 实体目录的后端。
type DirectoryConfig struct {
	Driver string      `mapstructure:"driver" validate:"oneof=memory mysql"`
	MySQL  MySQLConfig `mapstructure:"mysql"`
}

// MySQLConfig 是 MySQL 连接池配置。
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// CatalogConfig 描述工具目录的附加配置。
type CatalogConfig struct {
	AliasFile string `mapstructure:"alias_file"`
}

// EnrichmentConfig 描述外部上下文检索的数据源。Source 为空时关闭检索。
type EnrichmentConfig struct {
	Source     string `mapstructure:"source"`
	MaxResults int    `mapstructure:"max_results" validate:"gte=0"`
}

// NotifyConfig 选择通知队列与投递渠道。
type NotifyConfig struct {
	Driver     string         `mapstructure:"driver" validate:"oneof=memory redis rabbitmq"`
	Workers    int            `mapstructure:"workers" validate:"gte=1"`
	BufferSize int            `mapstructure:"buffer_size" validate:"gte=1"`
	WebhookURL string         `mapstructure:"webhook_url" validate:"omitempty,url"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Queue      string         `mapstructure:"queue"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 连接信息。
type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Prefetch   int    `mapstructure:"prefetch" validate:"gte=0"`
	Durable    bool   `mapstructure:"durable"`
	AutoDelete bool   `mapstructure:"auto_delete"`
}

var validate = validator.New()

// Load 读取配置文件（YAML 或 JSON，path 为空时只使用默认值与环境变量），
// 应用 CRMDIALOG_ 前缀的环境变量覆盖并校验结果。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败",
				xerrors.WithMetadata("path", path))
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析配置失败")
	}
	cfg.resolvePaths(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验字段取值以及后端之间的依赖关系。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "配置校验失败")
	}
	var problems []error
	if c.Session.Driver == "redis" && c.Session.Redis.Address == "" {
		problems = append(problems, errors.New("session.redis.address is required for the redis driver"))
	}
	if c.Directory.Driver == "mysql" && c.Directory.MySQL.DSN == "" {
		problems = append(problems, errors.New("directory.mysql.dsn is required for the mysql driver"))
	}
	if c.Notify.Driver == "redis" && c.Notify.Redis.Address == "" {
		problems = append(problems, errors.New("notify.redis.address is required for the redis driver"))
	}
	if c.Notify.Driver == "rabbitmq" && c.Notify.RabbitMQ.URL == "" {
		problems = append(problems, errors.New("notify.rabbitmq.url is required for the rabbitmq driver"))
	}
	if c.LLM.Provider == "python_bridge" && c.LLM.Python.ScriptPath == "" {
		problems = append(problems, errors.New("llm.python_bridge.script_path is required for the python_bridge provider"))
	}
	if len(problems) > 0 {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, errors.Join(problems...), "配置校验失败")
	}
	return nil
}

// OpenAIKey 返回实际使用的 API Key。
func (c OpenAIConfig) OpenAIKey(lookup func(string) string) string {
	if c.APIKey != "" || c.APIKeyEnv == "" || lookup == nil {
		return c.APIKey
	}
	return lookup(c.APIKeyEnv)
}

// setDefaults 在用户未填写部分字段时设置合理的默认值。所有键都需要默认值，
// 否则 AutomaticEnv 无法在 Unmarshal 时覆盖它们。
func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"server.address":          ":8080",
		"server.read_timeout":     15 * time.Second,
		"server.write_timeout":    90 * time.Second,
		"server.shutdown_timeout": 10 * time.Second,

		"logging.level":              "info",
		"logging.format":             "json",
		"logging.output_paths":       []string{"stdout"},
		"logging.add_source":         false,
		"logging.audit.enabled":      false,
		"logging.audit.path":         "",
		"logging.audit.max_size_mb":  50,
		"logging.audit.max_backups":  5,
		"logging.audit.max_age_days": 30,

		"llm.provider":                        "openai",
		"llm.openai.api_key":                  "",
		"llm.openai.api_key_env":              "OPENAI_API_KEY",
		"llm.openai.base_url":                 "https://api.openai.com/v1",
		"llm.openai.model":                    "gpt-4o-mini",
		"llm.openai.timeout":                  60 * time.Second,
		"llm.openai.temperature":              0.2,
		"llm.python_bridge.python_executable": "python3",
		"llm.python_bridge.script_path":       "",
		"llm.python_bridge.working_dir":       "",

		"orchestrator.llm_timeout":         30 * time.Second,
		"orchestrator.tool_timeout":        20 * time.Second,
		"orchestrator.max_rounds":          4,
		"orchestrator.slow_tool_threshold": 8 * time.Second,
		"orchestrator.system_instruction":  "",

		"session.driver":         "memory",
		"session.redis.address":  "",
		"session.redis.password": "",
		"session.redis.db":       0,
		"session.prefix":         "crmdialog:session:",
		"session.ttl":            24 * time.Hour,
		"session.max_history":    60,
		"session.max_recent":     5,

		"directory.driver":                   "memory",
		"directory.mysql.dsn":                "",
		"directory.mysql.max_open_conns":     20,
		"directory.mysql.max_idle_conns":     10,
		"directory.mysql.conn_max_lifetime":  time.Hour,
		"directory.mysql.conn_max_idle_time": 10 * time.Minute,

		"catalog.alias_file": "",

		"enrichment.source":      "",
		"enrichment.max_results": 3,

		"notify.driver":               "memory",
		"notify.workers":              2,
		"notify.buffer_size":          256,
		"notify.webhook_url":          "",
		"notify.redis.address":        "",
		"notify.redis.password":       "",
		"notify.redis.db":             0,
		"notify.queue":                "crmdialog.notifications",
		"notify.rabbitmq.url":         "",
		"notify.rabbitmq.prefetch":    8,
		"notify.rabbitmq.durable":     true,
		"notify.rabbitmq.auto_delete": false,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// resolvePaths 把相对路径解析为相对配置文件所在目录的路径。
func (c *Config) resolvePaths(baseDir string) {
	for _, p := range []*string{
		&c.Catalog.AliasFile,
		&c.Enrichment.Source,
		&c.Logging.Audit.Path,
		&c.LLM.Python.ScriptPath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}
}

// String 返回不含密钥的配置摘要，便于启动日志输出。
func (c *Config) String() string {
	return fmt.Sprintf("server=%s llm=%s session=%s directory=%s notify=%s",
		c.Server.Address, c.LLM.Provider, c.Session.Driver, c.Directory.Driver, c.Notify.Driver)
}
