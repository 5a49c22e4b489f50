package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Sibs     SibsConfig     `mapstructure:"sibs"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	AuthorizationEvents string `mapstructure:"authorization_events"`
	ChargeEvents        string `mapstructure:"charge_events"`
}

// SibsConfig SIBS 网关配置
// environment 决定使用哪个网关地址（sandbox / production）
type SibsConfig struct {
	Environment   string                  `mapstructure:"environment"`
	Endpoints     map[string]SibsEndpoint `mapstructure:"endpoints"`
	TerminalID    int                     `mapstructure:"terminal_id"`
	AuthToken     string                  `mapstructure:"auth_token"`
	ClientID      string                  `mapstructure:"client_id"`
	WebhookSecret string                  `mapstructure:"webhook_secret"`
	Channel       string                  `mapstructure:"channel"`
	TimeoutSec    int                     `mapstructure:"timeout_sec"`
}

type SibsEndpoint struct {
	Gateway string `mapstructure:"gateway"`
}

// BusinessConfig 业务参数
//
// 所有业务规则参数在启动时注入，业务代码不读取全局配置
type BusinessConfig struct {
	Currency            string  `mapstructure:"currency"`               // 仅支持 EUR
	DefaultValidityDays int     `mapstructure:"default_validity_days"`  // 授权默认有效期（天）
	MinAmount           float64 `mapstructure:"min_amount"`             // 单笔最小金额
	MaxAmount           float64 `mapstructure:"max_amount"`             // 金额上限
	RetryAttempts       int     `mapstructure:"retry_attempts"`         // 失败扣款最大重试次数
	RetryDelayMinutes   int     `mapstructure:"retry_delay_minutes"`    // 重试冷却时间（分钟）
	SweepBatchSize      int     `mapstructure:"sweep_batch_size"`       // 扫描任务单批数量
	ExpirySweepSeconds  int     `mapstructure:"expiry_sweep_seconds"`   // 过期扫描间隔（秒）
	RetrySweepSeconds   int     `mapstructure:"retry_sweep_seconds"`    // 重试扫描间隔（秒）
	OutboxMaxRetryCount int     `mapstructure:"outbox_max_retry_count"` // 事件消息最大重试次数
}

// GatewayBaseURL 返回当前环境的网关地址
func (c *SibsConfig) GatewayBaseURL() string {
	if ep, ok := c.Endpoints[c.Environment]; ok {
		return ep.Gateway
	}
	return ""
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	return config
}
