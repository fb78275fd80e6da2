package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig `mapstructure:"jwt"`
	Log        LogConfig
	Redis      RedisConfig
	CORS       CORSConfig
	Payment    PaymentConfig
	Obligation ObligationConfig
	Signing    SigningConfig
	Sweep      SweepConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN PostgreSQL连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"` // 与账号服务共享的JWT密钥
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level      string
	FilePath   string
	MaxSize    int    // MB
	MaxBackups int    // 保留的备份文件数
	MaxAge     int    // 保留天数
	Compress   bool   // 是否压缩
	Format     string // json 或 text
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string // 事件与锁的键前缀
}

type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int // 预检请求缓存时间（小时）
}

// PaymentConfig 稳定币支付网络配置
type PaymentConfig struct {
	Endpoint          string
	APIKey            string
	Timeout           time.Duration
	RateLimit         float64 // 每秒请求数，0表示不限速
	MaxTransferAmount decimal.Decimal
	PollAttempts      int
	PollInterval      time.Duration
}

// ObligationConfig 付款义务生成配置
type ObligationConfig struct {
	DueDay           int   // 每月租金的到期日
	ReminderLeadDays []int // 提前提醒天数
}

type SigningConfig struct {
	MessageMaxAge time.Duration
}

type SweepConfig struct {
	Cron                 string
	LockTTL              time.Duration
	ActivationMaxRetries int
}

var (
	globalConfig *Config
	once         sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		var err error
		globalConfig, err = LoadConfig()
		if err != nil {
			panic("Failed to load config: " + err.Error())
		}
	})
	return globalConfig
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s 格式错误: %v", key, err)
	}
	return d, nil
}

// 获取环境变量转换为字符串数组（逗号分隔）
func getEnvAsStringArray(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

func getEnvAsIntArray(key string, defaultValue []int) ([]int, error) {
	parts := getEnvAsStringArray(key, nil)
	if parts == nil {
		return defaultValue, nil
	}
	result := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%s 格式错误: %v", key, err)
		}
		result = append(result, n)
	}
	return result, nil
}

func LoadConfig() (*Config, error) {
	// .env 文件可选
	_ = godotenv.Load()

	maxAmount, err := decimal.NewFromString(getEnv("PAYMENT_MAX_TRANSFER_AMOUNT", "10000"))
	if err != nil {
		return nil, fmt.Errorf("PAYMENT_MAX_TRANSFER_AMOUNT 格式错误: %v", err)
	}
	paymentTimeout, err := getEnvAsDuration("PAYMENT_NETWORK_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	pollInterval, err := getEnvAsDuration("PAYMENT_POLL_INTERVAL", 3*time.Second)
	if err != nil {
		return nil, err
	}
	messageMaxAge, err := getEnvAsDuration("SIGNING_MESSAGE_MAX_AGE", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	lockTTL, err := getEnvAsDuration("SWEEP_LOCK_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	leadDays, err := getEnvAsIntArray("REMINDER_LEAD_DAYS", []int{1, 3})
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Mode: getEnv("SERVER_MODE", "debug"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "rentflow"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", "default-secret-change-me"),
			Issuer:    getEnv("JWT_ISSUER", "rentflow-accounts"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/app.log"),
			MaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 7),
			MaxAge:     getEnvAsInt("LOG_MAX_AGE", 30),
			Compress:   getEnvAsBool("LOG_COMPRESS", true),
			Format:     getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "rentflow"),
		},
		CORS: CORSConfig{
			AllowOrigins:     getEnvAsStringArray("CORS_ALLOW_ORIGINS", []string{"*"}),
			AllowMethods:     getEnvAsStringArray("CORS_ALLOW_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}),
			AllowHeaders:     getEnvAsStringArray("CORS_ALLOW_HEADERS", []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With"}),
			ExposeHeaders:    getEnvAsStringArray("CORS_EXPOSE_HEADERS", []string{"Content-Length", "Content-Type"}),
			AllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           getEnvAsInt("CORS_MAX_AGE", 12),
		},
		Payment: PaymentConfig{
			Endpoint:          getEnv("PAYMENT_NETWORK_ENDPOINT", "http://localhost:9090"),
			APIKey:            getEnv("PAYMENT_NETWORK_API_KEY", ""),
			Timeout:           paymentTimeout,
			RateLimit:         getEnvAsFloat("PAYMENT_NETWORK_RATE_LIMIT", 5),
			MaxTransferAmount: maxAmount,
			PollAttempts:      getEnvAsInt("PAYMENT_POLL_ATTEMPTS", 10),
			PollInterval:      pollInterval,
		},
		Obligation: ObligationConfig{
			DueDay:           getEnvAsInt("OBLIGATION_DUE_DAY", 1),
			ReminderLeadDays: leadDays,
		},
		Signing: SigningConfig{
			MessageMaxAge: messageMaxAge,
		},
		Sweep: SweepConfig{
			Cron:                 getEnv("SWEEP_CRON", "@hourly"),
			LockTTL:              lockTTL,
			ActivationMaxRetries: getEnvAsInt("ACTIVATION_MAX_RETRIES", 3),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验业务相关配置
func (c *Config) Validate() error {
	if !c.Payment.MaxTransferAmount.IsPositive() {
		return fmt.Errorf("PAYMENT_MAX_TRANSFER_AMOUNT 必须大于0")
	}
	if c.Payment.PollAttempts < 1 {
		return fmt.Errorf("PAYMENT_POLL_ATTEMPTS 必须大于0")
	}
	if c.Obligation.DueDay < 1 || c.Obligation.DueDay > 31 {
		return fmt.Errorf("OBLIGATION_DUE_DAY 必须在1-31之间")
	}
	for _, d := range c.Obligation.ReminderLeadDays {
		if d < 0 {
			return fmt.Errorf("REMINDER_LEAD_DAYS 不能为负数")
		}
	}
	if c.Sweep.ActivationMaxRetries < 1 {
		return fmt.Errorf("ACTIVATION_MAX_RETRIES 必须大于0")
	}
	return nil
}
