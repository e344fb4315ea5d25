package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`

	// Aggregator backend connections.
	SandataBaseURL string `mapstructure:"SANDATA_BASE_URL"`
	SandataToken   string `mapstructure:"SANDATA_TOKEN"`
	TellusBaseURL  string `mapstructure:"TELLUS_BASE_URL"`
	TellusToken    string `mapstructure:"TELLUS_TOKEN"`
	HHAXBaseURL    string `mapstructure:"HHAX_BASE_URL"`
	HHAXToken      string `mapstructure:"HHAX_TOKEN"`

	// ArizonaExemptNPIs lists caregivers under the AHCCCS live-in
	// exemption, comma separated.
	ArizonaExemptNPIs []string `mapstructure:"AZ_EXEMPT_NPIS"`

	// SubmissionRetryInterval is how often the background worker sweeps
	// parked aggregator submissions.
	SubmissionRetryInterval time.Duration `mapstructure:"SUBMISSION_RETRY_INTERVAL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SUBMISSION_RETRY_INTERVAL", "1m")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")
	v.BindEnv("SANDATA_BASE_URL")
	v.BindEnv("SANDATA_TOKEN")
	v.BindEnv("TELLUS_BASE_URL")
	v.BindEnv("TELLUS_TOKEN")
	v.BindEnv("HHAX_BASE_URL")
	v.BindEnv("HHAX_TOKEN")
	v.BindEnv("AZ_EXEMPT_NPIS")
	v.BindEnv("SUBMISSION_RETRY_INTERVAL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.ArizonaExemptNPIs == nil {
		if npis := v.GetString("AZ_EXEMPT_NPIS"); npis != "" {
			cfg.ArizonaExemptNPIs = strings.Split(npis, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Dev auth is active and every request gets supervisor access.")
		log.Println("WARNING: Set ENV=production and configure JWT_SECRET for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// JWT_SECRET must be set so real authentication is enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf(
			"JWT_SECRET must be set when ENV=%q; refusing to start without authentication configuration", c.Env)
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE are required when TLS_ENABLED is set")
	}
	if c.SubmissionRetryInterval < time.Second {
		return fmt.Errorf("SUBMISSION_RETRY_INTERVAL must be at least 1s, got %s", c.SubmissionRetryInterval)
	}
	return nil
}
