package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"Server"`
	Free      FreeTierConfig  `mapstructure:"Free"`
	Payment   PaymentConfig   `mapstructure:"Payment"`
	Converter ConverterConfig `mapstructure:"Converter"`
	Session   SessionConfig   `mapstructure:"Session"`
	Log       LogConfig       `mapstructure:"Log"`
	Database  DatabaseConfig  `mapstructure:"Database"`
}

type ServerConfig struct {
	Port          string `mapstructure:"Port"`
	GRPCPort      string `mapstructure:"GRPCPort"`
	BaseURL       string `mapstructure:"BaseURL"`
	WorkDir       string `mapstructure:"WorkDir"`
	MaxBatchFiles int    `mapstructure:"MaxBatchFiles"`
	MaxUploadMB   int64  `mapstructure:"MaxUploadMB"`
}

// FreeTierConfig - лимиты бесплатного тарифа; 0 отключает правило
type FreeTierConfig struct {
	MaxFiles int   `mapstructure:"MaxFiles"`
	MaxMB    int64 `mapstructure:"MaxMB"`
	MaxPages int   `mapstructure:"MaxPages"`
}

type PaymentConfig struct {
	AmountMinor int64  `mapstructure:"AmountMinor"`
	Currency    string `mapstructure:"Currency"`
	KeyID       string `mapstructure:"KeyID"`
	KeySecret   string `mapstructure:"KeySecret"`
	BaseURL     string `mapstructure:"BaseURL"`
}

type ConverterConfig struct {
	Binary      string        `mapstructure:"Binary"`
	Thumbnailer string        `mapstructure:"Thumbnailer"`
	Timeout     time.Duration `mapstructure:"Timeout"`
	Workers     int           `mapstructure:"Workers"`
	Extensions  []string      `mapstructure:"Extensions"`
}

type SessionConfig struct {
	TTL           time.Duration `mapstructure:"TTL"`
	Grace         time.Duration `mapstructure:"Grace"`
	SweepInterval time.Duration `mapstructure:"SweepInterval"`
}

type LogConfig struct {
	Level  string `mapstructure:"Level"`
	Format string `mapstructure:"Format"`
}

// DatabaseConfig - журнал платежей в Postgres, необязателен
type DatabaseConfig struct {
	Host     string `mapstructure:"Host"`
	Port     string `mapstructure:"Port"`
	User     string `mapstructure:"User"`
	Password string `mapstructure:"Password"`
	Name     string `mapstructure:"Name"`
	SSLMode  string `mapstructure:"SSLMode"`
}

var envBindings = map[string]string{
	"Server.Port":           "HTTP_PORT",
	"Server.GRPCPort":       "GRPC_PORT",
	"Server.BaseURL":        "BASE_URL",
	"Server.WorkDir":        "WORK_DIR",
	"Server.MaxBatchFiles":  "MAX_BATCH_FILES",
	"Server.MaxUploadMB":    "MAX_UPLOAD_MB",
	"Free.MaxFiles":         "FREE_MAX_FILES",
	"Free.MaxMB":            "FREE_MAX_MB",
	"Free.MaxPages":         "FREE_MAX_PAGES",
	"Payment.AmountMinor":   "PAID_AMOUNT_MINOR",
	"Payment.Currency":      "PAID_CURRENCY",
	"Payment.KeyID":         "RAZORPAY_KEY_ID",
	"Payment.KeySecret":     "RAZORPAY_KEY_SECRET",
	"Payment.BaseURL":       "RAZORPAY_BASE_URL",
	"Converter.Binary":      "CONVERTER_BINARY",
	"Converter.Thumbnailer": "THUMBNAILER_BINARY",
	"Converter.Timeout":     "CONVERTER_TIMEOUT",
	"Converter.Workers":     "CONVERTER_WORKERS",
	"Converter.Extensions":  "CONVERTER_EXTENSIONS",
	"Session.TTL":           "SESSION_TTL",
	"Session.Grace":         "SESSION_GRACE",
	"Session.SweepInterval": "SESSION_SWEEP_INTERVAL",
	"Log.Level":             "LOG_LEVEL",
	"Log.Format":            "LOG_FORMAT",
	"Database.Host":         "DATABASE_HOST",
	"Database.Port":         "DATABASE_PORT",
	"Database.User":         "DATABASE_USER",
	"Database.Password":     "DATABASE_PASSWORD",
	"Database.Name":         "DATABASE_NAME",
	"Database.SSLMode":      "DATABASE_SSLMODE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.Port", "2525")
	v.SetDefault("Server.GRPCPort", "50051")
	v.SetDefault("Server.WorkDir", "/tmp/docxpdf")
	v.SetDefault("Server.MaxBatchFiles", 20)
	v.SetDefault("Server.MaxUploadMB", 100)
	v.SetDefault("Free.MaxFiles", 2)
	v.SetDefault("Free.MaxMB", 10)
	v.SetDefault("Free.MaxPages", 25)
	v.SetDefault("Payment.AmountMinor", 1000)
	v.SetDefault("Payment.Currency", "INR")
	v.SetDefault("Payment.BaseURL", "https://api.razorpay.com")
	v.SetDefault("Converter.Binary", "soffice")
	v.SetDefault("Converter.Thumbnailer", "pdftoppm")
	v.SetDefault("Converter.Timeout", 60*time.Second)
	v.SetDefault("Converter.Workers", 2)
	v.SetDefault("Converter.Extensions", []string{".docx", ".doc", ".odt", ".rtf"})
	v.SetDefault("Session.TTL", 30*time.Minute)
	v.SetDefault("Session.Grace", 2*time.Minute)
	v.SetDefault("Session.SweepInterval", 30*time.Second)
	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.Format", "json")
	v.SetDefault("Database.SSLMode", "disable")
}

// NewConfig читает env-файл path и переменные окружения.
// Отсутствующий файл не ошибка: конфигурация берется только из окружения.
func NewConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Привязываем переменные окружения
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	// Значения из env-файла становятся умолчаниями, окружение их перекрывает
	if path != "" {
		file := viper.New()
		file.SetConfigFile(path)
		file.SetConfigType("env")
		if err := file.ReadInConfig(); err != nil {
			fmt.Printf("Warning: using only environment variables: %v\n", err)
		} else {
			for key, env := range envBindings {
				if file.IsSet(env) {
					v.SetDefault(key, file.Get(env))
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Converter.Extensions = splitList(cfg.Converter.Extensions)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}
	if c.Server.WorkDir == "" {
		return fmt.Errorf("WORK_DIR is required")
	}
	if c.Free.MaxFiles < 0 || c.Free.MaxMB < 0 || c.Free.MaxPages < 0 {
		return fmt.Errorf("free tier limits cannot be negative")
	}
	if c.Payment.AmountMinor <= 0 {
		return fmt.Errorf("PAID_AMOUNT_MINOR must be positive, got %d", c.Payment.AmountMinor)
	}
	if len(c.Payment.Currency) != 3 {
		return fmt.Errorf("PAID_CURRENCY must be an ISO 4217 code, got %q", c.Payment.Currency)
	}
	if (c.Payment.KeyID == "") != (c.Payment.KeySecret == "") {
		return fmt.Errorf("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET must be set together")
	}
	if c.Converter.Timeout <= 0 {
		return fmt.Errorf("CONVERTER_TIMEOUT must be positive")
	}
	if c.Converter.Workers <= 0 {
		return fmt.Errorf("CONVERTER_WORKERS must be positive")
	}
	if c.Session.TTL <= 0 || c.Session.Grace <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session durations must be positive")
	}
	if c.Session.Grace > c.Session.TTL {
		return fmt.Errorf("SESSION_GRACE (%s) cannot exceed SESSION_TTL (%s)", c.Session.Grace, c.Session.TTL)
	}
	return nil
}

// PaymentsEnabled сообщает, настроен ли платежный провайдер
func (c *Config) PaymentsEnabled() bool {
	return c.Payment.KeyID != "" && c.Payment.KeySecret != ""
}

// LedgerEnabled сообщает, задано ли подключение к журналу платежей
func (c *DatabaseConfig) LedgerEnabled() bool {
	return c.Host != "" && c.Name != ""
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// MigrateURL возвращает адрес базы в формате golang-migrate
func (c *DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}

// splitList разбирает значения вида ".docx,.odt" из окружения
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
