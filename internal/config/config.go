package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// ProcessingConfig 定义队列工作进程的运行参数
type ProcessingConfig struct {
	BatchSize            int32         // 单次从队列拉取的消息数，1-10
	WaitSeconds          int32         // 长轮询等待秒数
	VisibilitySeconds    int32         // 消息领取后的不可见窗口
	MaxSeconds           time.Duration // 进程最长运行时间，0 表示不限
	MaxSecondsPerMessage time.Duration // 单条消息处理超时
	DeleteFailedMessages bool          // 处理失败后是否仍出队
	HealthcheckPath      string        // 健康检查 JSON 文件路径
}

// AWSConfig 定义云服务商接入配置
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SNSTopics       []string // 允许的通知主题 ARN 列表
	SQSQueueURL     string   // 入站邮件队列
	SESConfigSet    string   // 出站 configuration set
	MaxSendRate     float64  // 每秒发送上限
}

// RelayConfig 定义转发服务的核心业务配置
type RelayConfig struct {
	MaskDomain             string   // 随机掩码与子域掩码的根域名
	ReplyDomain            string   // 回信中转地址所在域名
	ReplyAddress           string   // 回信中转地址，入站识别与出站 Reply-To 使用
	FromAddress            string   // 服务自身的通知发件地址，默认与回信中转地址一致
	NoReplyPrefix          string   // 服务域名下视作 no-reply 的本地部分前缀
	AddressSalt            string   // 删除地址哈希用盐
	MaxForwardedPerDay     int64    // 免费用户每滚动日转发条数上限
	MaxForwardedSizePerDay int64    // 免费用户每滚动日转发字节上限
	HardBounceAllowedDays  int      // 硬退信冷却天数
	SoftBounceAllowedDays  int      // 软退信冷却天数
	MaxMessageBytes        int64    // 单封邮件大小上限
	TrackerHosts           []string // 一级跟踪器域名列表
	TrackerWarningURL      string   // 跟踪器拦截提示页
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，为空时仅输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server     ServerConfig     // HTTP 服务器配置
	Processing ProcessingConfig // 队列工作进程配置
	AWS        AWSConfig        // 云服务商配置
	Relay      RelayConfig      // 转发业务配置
	Log        LogConfig        // 日志配置
	Database   DatabaseConfig   // 数据库配置
	Redis      RedisConfig      // Redis 配置
}

// 进程运维约定的裸环境变量，不走统一前缀
var bareEnvBindings = map[string]string{
	"processing.batch_size":              "PROCESS_EMAIL_BATCH_SIZE",
	"processing.wait_seconds":            "PROCESS_EMAIL_WAIT_SECONDS",
	"processing.visibility_seconds":      "PROCESS_EMAIL_VISIBILITY_SECONDS",
	"processing.max_seconds":             "PROCESS_EMAIL_MAX_SECONDS",
	"processing.max_seconds_per_message": "PROCESS_EMAIL_MAX_SECONDS_PER_MESSAGE",
	"processing.delete_failed_messages":  "PROCESS_EMAIL_DELETE_FAILED_MESSAGES",
	"processing.healthcheck_path":        "PROCESS_EMAIL_HEALTHCHECK_PATH",
	"aws.region":                         "AWS_REGION",
	"aws.access_key_id":                  "AWS_ACCESS_KEY_ID",
	"aws.secret_access_key":              "AWS_SECRET_ACCESS_KEY",
	"aws.sns_topics":                     "AWS_SNS_TOPIC",
	"aws.sqs_queue_url":                  "AWS_SQS_EMAIL_QUEUE_URL",
	"aws.ses_configset":                  "AWS_SES_CONFIGSET",
	"relay.from_address":                 "RELAY_FROM_ADDRESS",
	"relay.reply_address":                "RELAY_REPLY_ADDRESS",
	"relay.hard_bounce_allowed_days":     "HARD_BOUNCE_ALLOWED_DAYS",
	"relay.soft_bounce_allowed_days":     "SOFT_BOUNCE_ALLOWED_DAYS",
	"relay.max_forwarded_per_day":        "MAX_FORWARDED_PER_DAY",
	"relay.max_forwarded_size_per_day":   "MAX_FORWARDED_EMAIL_SIZE_PER_DAY",
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 运维约定的变量（PROCESS_EMAIL_*、AWS_*、RELAY_FROM_ADDRESS 等）不带前缀
// 单独绑定，其余配置走 RELAY_ 前缀，例如 RELAY_DATABASE_DSN。
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("relay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, env := range bareEnvBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("processing.batch_size", 10)
	viper.SetDefault("processing.wait_seconds", 5)
	viper.SetDefault("processing.visibility_seconds", 120)
	viper.SetDefault("processing.max_seconds", 0)
	viper.SetDefault("processing.max_seconds_per_message", 120)
	viper.SetDefault("processing.delete_failed_messages", false)
	viper.SetDefault("processing.healthcheck_path", "healthcheck.json")
	viper.SetDefault("aws.region", "us-east-1")
	viper.SetDefault("aws.sns_topics", "")
	viper.SetDefault("aws.sqs_queue_url", "")
	viper.SetDefault("aws.ses_configset", "")
	viper.SetDefault("aws.max_send_rate", 0)
	viper.SetDefault("relay.mask_domain", "test.com")
	viper.SetDefault("relay.reply_domain", "default.com")
	viper.SetDefault("relay.reply_address", "")
	viper.SetDefault("relay.from_address", "")
	viper.SetDefault("relay.noreply_prefix", "noreply")
	viper.SetDefault("relay.address_salt", "")
	viper.SetDefault("relay.max_forwarded_per_day", 100)
	viper.SetDefault("relay.max_forwarded_size_per_day", 104857600)
	viper.SetDefault("relay.hard_bounce_allowed_days", 30)
	viper.SetDefault("relay.soft_bounce_allowed_days", 1)
	viper.SetDefault("relay.max_message_bytes", 10485760)
	viper.SetDefault("relay.tracker_hosts", "")
	viper.SetDefault("relay.tracker_warning_url", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	batchSize := viper.GetInt32("processing.batch_size")
	if batchSize < 1 || batchSize > 10 {
		return nil, fmt.Errorf("PROCESS_EMAIL_BATCH_SIZE must be between 1 and 10, got %d", batchSize)
	}

	maxSeconds := time.Duration(viper.GetInt("processing.max_seconds")) * time.Second
	maxPerMessage := time.Duration(viper.GetInt("processing.max_seconds_per_message")) * time.Second
	if maxPerMessage <= 0 {
		return nil, fmt.Errorf("PROCESS_EMAIL_MAX_SECONDS_PER_MESSAGE must be positive")
	}

	topics := parseList(viper.GetString("aws.sns_topics"))

	maskDomain := strings.ToLower(strings.TrimSpace(viper.GetString("relay.mask_domain")))
	replyDomain := strings.ToLower(strings.TrimSpace(viper.GetString("relay.reply_domain")))
	if maskDomain == "" || replyDomain == "" {
		return nil, fmt.Errorf("relay.mask_domain and relay.reply_domain must not be empty")
	}

	hardDays := viper.GetInt("relay.hard_bounce_allowed_days")
	softDays := viper.GetInt("relay.soft_bounce_allowed_days")
	if hardDays <= 0 || softDays <= 0 {
		return nil, fmt.Errorf("bounce cooldown days must be positive")
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Processing: ProcessingConfig{
			BatchSize:            batchSize,
			WaitSeconds:          viper.GetInt32("processing.wait_seconds"),
			VisibilitySeconds:    viper.GetInt32("processing.visibility_seconds"),
			MaxSeconds:           maxSeconds,
			MaxSecondsPerMessage: maxPerMessage,
			DeleteFailedMessages: viper.GetBool("processing.delete_failed_messages"),
			HealthcheckPath:      viper.GetString("processing.healthcheck_path"),
		},
		AWS: AWSConfig{
			Region:          viper.GetString("aws.region"),
			AccessKeyID:     viper.GetString("aws.access_key_id"),
			SecretAccessKey: viper.GetString("aws.secret_access_key"),
			SNSTopics:       topics,
			SQSQueueURL:     viper.GetString("aws.sqs_queue_url"),
			SESConfigSet:    viper.GetString("aws.ses_configset"),
			MaxSendRate:     viper.GetFloat64("aws.max_send_rate"),
		},
		Relay: RelayConfig{
			MaskDomain:             maskDomain,
			ReplyDomain:            replyDomain,
			ReplyAddress:           strings.ToLower(strings.TrimSpace(viper.GetString("relay.reply_address"))),
			FromAddress:            viper.GetString("relay.from_address"),
			NoReplyPrefix:          strings.ToLower(strings.TrimSpace(viper.GetString("relay.noreply_prefix"))),
			AddressSalt:            viper.GetString("relay.address_salt"),
			MaxForwardedPerDay:     viper.GetInt64("relay.max_forwarded_per_day"),
			MaxForwardedSizePerDay: viper.GetInt64("relay.max_forwarded_size_per_day"),
			HardBounceAllowedDays:  hardDays,
			SoftBounceAllowedDays:  softDays,
			MaxMessageBytes:        viper.GetInt64("relay.max_message_bytes"),
			TrackerHosts:           parseList(viper.GetString("relay.tracker_hosts")),
			TrackerWarningURL:      viper.GetString("relay.tracker_warning_url"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
	}

	// 回信中转地址固定在回信域名下；通知发件地址默认与其一致，
	// 两者可分别覆写
	if cfg.Relay.ReplyAddress == "" {
		cfg.Relay.ReplyAddress = "replies@" + cfg.Relay.ReplyDomain
	}
	if cfg.Relay.FromAddress == "" {
		cfg.Relay.FromAddress = cfg.Relay.ReplyAddress
	}

	return cfg, nil
}

// ReplyAddress 返回回信中转地址，入站方向的识别与出站方向的 Reply-To 共用
func (c *Config) ReplyAddress() string {
	return c.Relay.ReplyAddress
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	// 尝试当前目录的 .env
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	// 尝试父目录的 .env（从 backend/ 目录运行时）
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
