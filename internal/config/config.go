package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	JWTSecret string `env:"JWT_SECRET,required"`

	// Shared key the delivery worker presents on every call. The HMAC secret
	// adds a short-lived per-task signature on top; it stays advisory unless
	// enforcement is switched on, so a worker without the secret can still
	// resolve its obligations.
	WorkerAPIKey      string `env:"WORKER_API_KEY,required"`
	WorkerHMACSecret  string `env:"WORKER_HMAC_SECRET"`
	WorkerHMACEnforce bool   `env:"WORKER_HMAC_ENFORCE" envDefault:"false"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"gift-task-events"`

	GiftCatalogPath string `env:"GIFT_CATALOG_PATH"`

	LeaseBatchSize       int           `env:"LEASE_BATCH_SIZE" envDefault:"10"`
	MonitorInterval      time.Duration `env:"MONITOR_INTERVAL" envDefault:"10m"`
	StuckTaskTimeout     time.Duration `env:"STUCK_TASK_TIMEOUT" envDefault:"30m"`
	ResetStuckGrace      time.Duration `env:"RESET_STUCK_GRACE" envDefault:"5m"`
	ReaperInterval       time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`
	IdleTxTimeout        time.Duration `env:"IDLE_TX_TIMEOUT" envDefault:"5m"`
	MaxInFlightExchanges int64         `env:"MAX_IN_FLIGHT_EXCHANGES" envDefault:"64"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}
