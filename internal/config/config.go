package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port                  string `env:"PORT" envDefault:"8080"`
	ListenAddress         string `env:"LISTEN_ADDRESS"`
	AllowedOrigin         string `env:"ALLOWED_ORIGIN" envDefault:"http://127.0.0.1:3000"`
	DatabaseURL           string `env:"DATABASE_URL"`
	RedisAddr             string `env:"REDIS_ADDR"`
	RedisPassword         string `env:"REDIS_PASSWORD"`
	RedisDB               int    `env:"REDIS_DB" envDefault:"0"`
	AuthSecret            string `env:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"480"`
	ManagerPIN            string `env:"MANAGER_PIN"`
	GatewayAccount        string `env:"GATEWAY_ACCOUNT" envDefault:"admin"`
	GatewayWebhookSecret  string `env:"GATEWAY_WEBHOOK_SECRET"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
	StockAlertThreshold   int    `env:"STOCK_ALERT_THRESHOLD" envDefault:"5"`
	DashboardTopN         int    `env:"DASHBOARD_TOP_N" envDefault:"5"`
	DashboardWindowDays   int    `env:"DASHBOARD_WINDOW_DAYS" envDefault:"7"`
	DashboardRecentSales  int    `env:"DASHBOARD_RECENT_SALES" envDefault:"10"`
	ReportTimezone        string `env:"REPORT_TIMEZONE" envDefault:"UTC"`

	// Bootstrap credentials create the first administrator of an empty
	// postgres user table.
	BootstrapAdminUsername string `env:"BOOTSTRAP_ADMIN_USERNAME" envDefault:"admin"`
	BootstrapAdminPassword string `env:"SEED_ADMIN_PASSWORD"`
}

// Parse reads the environment, then applies command-line overrides:
// -a for the listen address and -d for the database URL.
func Parse(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	listen := fs.String("a", "", "address and port for the HTTP server")
	databaseURL := fs.String("d", "", "postgres database URL")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			cfg.ListenAddress = *listen
		case "d":
			cfg.DatabaseURL = *databaseURL
		}
	})

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.RedisDB < 0 {
		return Config{}, errors.New("REDIS_DB must not be negative")
	}
	if _, err := cfg.Location(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Address() string {
	if c.ListenAddress != "" {
		return c.ListenAddress
	}
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves REPORT_TIMEZONE, used to bucket dashboard days.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return nil, fmt.Errorf("load REPORT_TIMEZONE %q: %w", c.ReportTimezone, err)
	}
	return loc, nil
}
