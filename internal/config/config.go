package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig 数据库配置
// driver 支持 mysql、postgres 和 sqlite（单机/测试）
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	Path         string `mapstructure:"path"` // sqlite 文件路径，":memory:" 为内存库
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"` // gorm 日志级别: silent/error/warn/info
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

type BusinessConfig struct {
	MaxRetryCount       int  `mapstructure:"max_retry_count"`      // outbox 消息最大投递次数
	TxMaxAttempts       int  `mapstructure:"tx_max_attempts"`      // 事务冲突/瞬时故障最大尝试次数
	TxRetryBackoffMs    int  `mapstructure:"tx_retry_backoff_ms"`  // 重试退避基数
	AccountLockEnabled  bool `mapstructure:"account_lock_enabled"` // 出账前加 Redis 账户锁
	AccountLockTTLSec   int  `mapstructure:"account_lock_ttl_seconds"`
	TransferPrecheck    bool `mapstructure:"transfer_precheck"` // 转账前先读一次余额快速拒绝
	HistoryDefaultLimit int  `mapstructure:"history_default_limit"`
	HistoryMaxLimit     int  `mapstructure:"history_max_limit"` // 单次查询流水条数上限
	ReconcileIntervalS  int  `mapstructure:"reconcile_interval_seconds"`
}

// TxRetryBackoff 重试退避基数
func (b BusinessConfig) TxRetryBackoff() time.Duration {
	return time.Duration(b.TxRetryBackoffMs) * time.Millisecond
}

func (b BusinessConfig) AccountLockTTL() time.Duration {
	return time.Duration(b.AccountLockTTLSec) * time.Second
}

func (b BusinessConfig) ReconcileInterval() time.Duration {
	return time.Duration(b.ReconcileIntervalS) * time.Second
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("kafka.topic.ledger_events", "ledger_events")
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.tx_max_attempts", 3)
	v.SetDefault("business.tx_retry_backoff_ms", 20)
	v.SetDefault("business.account_lock_ttl_seconds", 10)
	v.SetDefault("business.history_default_limit", 10)
	v.SetDefault("business.history_max_limit", 100)
	v.SetDefault("business.reconcile_interval_seconds", 300)
}

// LoadDotEnv 把 .env 文件里的变量写入进程环境，文件不存在不算错误
// 已经存在的环境变量不会被覆盖
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("读取 %s 失败: %w", p, err)
		}
	}
	return nil
}

// LoadConfig 加载配置文件
// 环境变量 LEDGER_DATABASE_HOST 之类可以覆盖文件中的同名配置，当前目录的 .env 也会被读取
func LoadConfig(configPath string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ledger")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	GlobalConfig = config
	return config, nil
}
