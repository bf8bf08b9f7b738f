package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/genselfie/api/internal/model"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Admin     AdminConfig
	RateLimit RateLimitConfig
	Pricing   PricingConfig
	Stripe    StripeConfig
	LNBits    LNBitsConfig
	Comfy     ComfyConfig
	Session   SessionConfig
	Promo     PromoConfig
	Presets   []PresetConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
	// ReturnURL is where the hosted card checkout sends the browser back.
	ReturnURL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	Enabled     bool
	Concurrency int
}

type AdminConfig struct {
	Password   string
	JWTSecret  string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerHour int
	PaymentsPerMin  int
	ProfilePerMin   int
}

type PricingConfig struct {
	Currency    string
	SatsPerCent int64
}

type StripeConfig struct {
	SecretKey string
	BaseURL   string
}

type LNBitsConfig struct {
	URL    string
	APIKey string
}

type ComfyConfig struct {
	URL          string
	WorkflowPath string
	PollInterval time.Duration
	MaxWait      time.Duration
}

type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type PromoConfig struct {
	Enabled bool
	// Codes provisioned at startup, format CODE or CODE:uses.
	Codes []string
}

// PresetConfig mirrors model.Preset for viper unmarshalling.
type PresetConfig struct {
	ID                 string `mapstructure:"id"`
	Name               string `mapstructure:"name"`
	Description        string `mapstructure:"description"`
	InfluencerImageRef string `mapstructure:"influencer_image"`
	Width              int    `mapstructure:"width"`
	Height             int    `mapstructure:"height"`
	Prompt             string `mapstructure:"prompt"`
	PriceCents         int64  `mapstructure:"price_cents"`
	AllowPromptEdit    bool   `mapstructure:"allow_prompt_edit"`
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("ADMIN_PASSWORD")
	readSecret("ADMIN_JWT_SECRET")
	readSecret("STRIPE_SECRET_KEY")
	readSecret("LNBITS_API_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("server.return_url", "CHECKOUT_RETURN_URL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("queue.enabled", "QUEUE_ENABLED")
	_ = viper.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = viper.BindEnv("admin.password", "ADMIN_PASSWORD")
	_ = viper.BindEnv("admin.jwt_secret", "ADMIN_JWT_SECRET")
	_ = viper.BindEnv("admin.expiration", "ADMIN_JWT_EXPIRATION")
	_ = viper.BindEnv("pricing.currency", "PRICING_CURRENCY")
	_ = viper.BindEnv("pricing.sats_per_cent", "PRICING_SATS_PER_CENT")
	_ = viper.BindEnv("stripe.secret_key", "STRIPE_SECRET_KEY")
	_ = viper.BindEnv("stripe.base_url", "STRIPE_BASE_URL")
	_ = viper.BindEnv("lnbits.url", "LNBITS_URL")
	_ = viper.BindEnv("lnbits.api_key", "LNBITS_API_KEY")
	_ = viper.BindEnv("comfy.url", "COMFYUI_URL")
	_ = viper.BindEnv("comfy.workflow_path", "COMFYUI_WORKFLOW_PATH")
	_ = viper.BindEnv("comfy.poll_interval_seconds", "COMFYUI_POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("comfy.max_wait_seconds", "COMFYUI_MAX_WAIT_SECONDS")
	_ = viper.BindEnv("session.ttl_minutes", "PENDING_SESSION_TTL_MINUTES")
	_ = viper.BindEnv("promo.enabled", "PROMO_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.return_url", "http://localhost:8000/return")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("queue.enabled", true)
	viper.SetDefault("queue.concurrency", 10)
	viper.SetDefault("admin.jwt_secret", "change-me-in-production")
	viper.SetDefault("admin.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_hour", 10)
	viper.SetDefault("ratelimit.payments_per_min", 10)
	viper.SetDefault("ratelimit.profile_per_min", 20)
	viper.SetDefault("pricing.currency", "USD")
	// Rough cents-to-sats conversion; override with a real exchange rate.
	viper.SetDefault("pricing.sats_per_cent", 25)

	// Stripe defaults
	viper.SetDefault("stripe.base_url", "https://api.stripe.com")

	// ComfyUI defaults
	viper.SetDefault("comfy.poll_interval_seconds", 3)
	viper.SetDefault("comfy.max_wait_seconds", 300)

	// Pending session defaults
	viper.SetDefault("session.ttl_minutes", 10)
	viper.SetDefault("session.sweep_interval_seconds", 60)

	// Promo defaults
	viper.SetDefault("promo.enabled", true)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	var presets []PresetConfig
	_ = viper.UnmarshalKey("presets", &presets)

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
			ReturnURL: viper.GetString("server.return_url"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Enabled:     viper.GetBool("queue.enabled"),
			Concurrency: viper.GetInt("queue.concurrency"),
		},
		Admin: AdminConfig{
			Password:   viper.GetString("admin.password"),
			JWTSecret:  viper.GetString("admin.jwt_secret"),
			Expiration: viper.GetInt("admin.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
			PaymentsPerMin:  viper.GetInt("ratelimit.payments_per_min"),
			ProfilePerMin:   viper.GetInt("ratelimit.profile_per_min"),
		},
		Pricing: PricingConfig{
			Currency:    viper.GetString("pricing.currency"),
			SatsPerCent: viper.GetInt64("pricing.sats_per_cent"),
		},
		Stripe: StripeConfig{
			SecretKey: viper.GetString("stripe.secret_key"),
			BaseURL:   viper.GetString("stripe.base_url"),
		},
		LNBits: LNBitsConfig{
			URL:    viper.GetString("lnbits.url"),
			APIKey: viper.GetString("lnbits.api_key"),
		},
		Comfy: ComfyConfig{
			URL:          viper.GetString("comfy.url"),
			WorkflowPath: viper.GetString("comfy.workflow_path"),
			PollInterval: time.Duration(viper.GetInt("comfy.poll_interval_seconds")) * time.Second,
			MaxWait:      time.Duration(viper.GetInt("comfy.max_wait_seconds")) * time.Second,
		},
		Session: SessionConfig{
			TTL:           time.Duration(viper.GetInt("session.ttl_minutes")) * time.Minute,
			SweepInterval: time.Duration(viper.GetInt("session.sweep_interval_seconds")) * time.Second,
		},
		Promo: PromoConfig{
			Enabled: viper.GetBool("promo.enabled"),
			Codes:   viper.GetStringSlice("promo.codes"),
		},
		Presets: presets,
	}

	return cfg, nil
}

// Catalog converts the configured presets into an immutable snapshot. A
// single default preset is synthesized when none are configured so the
// service stays usable in development.
func (c *Config) Catalog() *model.PresetCatalog {
	if len(c.Presets) == 0 {
		return model.NewPresetCatalog([]model.Preset{{
			ID:                 "default",
			Name:               "Classic Selfie",
			InfluencerImageRef: "influencer_primary.png",
			Width:              1024,
			Height:             1024,
			PriceCents:         500,
		}})
	}
	presets := make([]model.Preset, 0, len(c.Presets))
	for _, p := range c.Presets {
		width, height := p.Width, p.Height
		if width <= 0 {
			width = 1024
		}
		if height <= 0 {
			height = 1024
		}
		presets = append(presets, model.Preset{
			ID:                 p.ID,
			Name:               p.Name,
			Description:        p.Description,
			InfluencerImageRef: p.InfluencerImageRef,
			Width:              width,
			Height:             height,
			Prompt:             p.Prompt,
			PriceCents:         p.PriceCents,
			AllowPromptEdit:    p.AllowPromptEdit,
		})
	}
	return model.NewPresetCatalog(presets)
}
