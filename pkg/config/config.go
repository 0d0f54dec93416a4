package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const (
	EnvPrefix = "storefront"

	AppEnvDev  = "dev"
	AppEnvProd = "production"

	EnvAppEnv        = "STOREFRONT_APP_ENV"
	EnvOpsPort       = "STOREFRONT_OPS_PORT"
	EnvRemoteBaseURL = "STOREFRONT_REMOTE_BASE_URL"
)

type Config struct {
	App     AppConfig
	Remote  RemoteConfig
	Cart    CartConfig
	Session SessionConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if _, err := cfg.Cart.DeliveryFeeAmount(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STOREFRONT_APP_ENV" required:"true"`
	OpsPort      string `envconfig:"STOREFRONT_OPS_PORT" default:"9090"`
	LogLevel     string `envconfig:"STOREFRONT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOREFRONT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type RemoteConfig struct {
	BaseURL string        `envconfig:"STOREFRONT_REMOTE_BASE_URL" required:"true"`
	Timeout time.Duration `envconfig:"STOREFRONT_REMOTE_TIMEOUT" default:"10s"`
}

type CartConfig struct {
	MaxPerLine  int    `envconfig:"STOREFRONT_CART_MAX_PER_LINE" default:"10"`
	DeliveryFee string `envconfig:"STOREFRONT_CART_DELIVERY_FEE" default:"10"`
}

// DeliveryFeeAmount parses the configured flat delivery fee.
func (c CartConfig) DeliveryFeeAmount() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(strings.TrimSpace(c.DeliveryFee))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing delivery fee %q: %w", c.DeliveryFee, err)
	}
	if fee.IsNegative() {
		return decimal.Zero, fmt.Errorf("delivery fee must be non-negative, got %s", fee)
	}
	return fee, nil
}

type SessionConfig struct {
	// TokenPath points at the persisted access token, the CLI analog of the
	// browser's localStorage entry. Empty means in-memory only.
	TokenPath string `envconfig:"STOREFRONT_SESSION_TOKEN_PATH"`
	// Token seeds the in-memory credential store when no TokenPath is set.
	Token string `envconfig:"STOREFRONT_SESSION_TOKEN"`
}
