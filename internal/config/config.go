package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/smart-pokhara/backend/internal/scoring"
	"github.com/smart-pokhara/backend/internal/sla"
)

type Config struct {
	Env                string        `mapstructure:"ENV"`
	Port               string        `mapstructure:"PORT"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	RedisAddr          string        `mapstructure:"REDIS_ADDR"`
	RedisPassword      string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB            int           `mapstructure:"REDIS_DB"`
	AMQPURL            string        `mapstructure:"AMQP_URL"`
	AMQPQueue          string        `mapstructure:"AMQP_QUEUE"`
	AuthJWTSecret      string        `mapstructure:"AUTH_JWT_SECRET"`
	CORSAllowed        string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	MaxUploadSizeMB    int64         `mapstructure:"MAX_UPLOAD_MB"`
	NominatimURL       string        `mapstructure:"NOMINATIM_URL"`
	NominatimUserAgent string        `mapstructure:"NOMINATIM_USER_AGENT"`
	CountryDefault     string        `mapstructure:"GEOCODE_COUNTRY"`
	CityDefault        string        `mapstructure:"GEOCODE_CITY"`
	AutoAssignOnCreate bool          `mapstructure:"AUTO_ASSIGN_ON_CREATE"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepLockTTL       time.Duration `mapstructure:"SWEEP_LOCK_TTL"`
	RetryDelay         time.Duration `mapstructure:"RETRY_DELAY"`
	OfflineThreshold   time.Duration `mapstructure:"OFFLINE_THRESHOLD"`

	WeightDistance       float64 `mapstructure:"ASSIGN_WEIGHT_DISTANCE"`
	WeightWorkload       float64 `mapstructure:"ASSIGN_WEIGHT_WORKLOAD"`
	WeightPerformance    float64 `mapstructure:"ASSIGN_WEIGHT_PERFORMANCE"`
	WeightSpecialization float64 `mapstructure:"ASSIGN_WEIGHT_SPECIALIZATION"`
	MinPerformanceScore  float64 `mapstructure:"ASSIGN_MIN_PERFORMANCE"`
	MaxDistanceKm        float64 `mapstructure:"ASSIGN_MAX_DISTANCE_KM"`
	BatchSize            int     `mapstructure:"ASSIGN_BATCH_SIZE"`

	AlertWarning      float64       `mapstructure:"SLA_ALERT_WARNING"`
	AlertCritical     float64       `mapstructure:"SLA_ALERT_CRITICAL"`
	AutoApproveWithin time.Duration `mapstructure:"SLA_AUTO_APPROVE_WITHIN"`

	// Built from the fields above by Load.
	Rules  scoring.Rules `mapstructure:"-"`
	Policy sla.Policy    `mapstructure:"-"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.build(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	rules := scoring.DefaultRules()
	policy := sla.DefaultPolicy()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_QUEUE", "complaint_events")
	v.SetDefault("AUTH_JWT_SECRET", "")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_UPLOAD_MB", 20)
	v.SetDefault("NOMINATIM_URL", "")
	v.SetDefault("NOMINATIM_USER_AGENT", "smart-pokhara-backend")
	v.SetDefault("GEOCODE_COUNTRY", "Nepal")
	v.SetDefault("GEOCODE_CITY", "Pokhara")
	v.SetDefault("AUTO_ASSIGN_ON_CREATE", true)
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("SWEEP_LOCK_TTL", "50s")
	v.SetDefault("RETRY_DELAY", "5m")
	v.SetDefault("OFFLINE_THRESHOLD", "30m")

	v.SetDefault("ASSIGN_WEIGHT_DISTANCE", rules.Weights.Distance)
	v.SetDefault("ASSIGN_WEIGHT_WORKLOAD", rules.Weights.Workload)
	v.SetDefault("ASSIGN_WEIGHT_PERFORMANCE", rules.Weights.Performance)
	v.SetDefault("ASSIGN_WEIGHT_SPECIALIZATION", rules.Weights.Specialization)
	v.SetDefault("ASSIGN_MIN_PERFORMANCE", rules.MinPerformanceScore)
	v.SetDefault("ASSIGN_MAX_DISTANCE_KM", rules.MaxDistanceKm)
	v.SetDefault("ASSIGN_BATCH_SIZE", rules.BatchSize)

	v.SetDefault("SLA_ALERT_WARNING", policy.AlertWarning)
	v.SetDefault("SLA_ALERT_CRITICAL", policy.AlertCritical)
	v.SetDefault("SLA_AUTO_APPROVE_WITHIN", policy.AutoApproveWithin.String())
}

// build applies the overrides to the default tables and validates them once.
func (c *Config) build() error {
	rules := scoring.DefaultRules()
	rules.Weights = scoring.Weights{
		Distance:       c.WeightDistance,
		Workload:       c.WeightWorkload,
		Performance:    c.WeightPerformance,
		Specialization: c.WeightSpecialization,
	}
	rules.MinPerformanceScore = c.MinPerformanceScore
	rules.MaxDistanceKm = c.MaxDistanceKm
	rules.BatchSize = c.BatchSize
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("assignment rules: %w", err)
	}

	policy := sla.DefaultPolicy()
	policy.AlertWarning = c.AlertWarning
	policy.AlertCritical = c.AlertCritical
	policy.AutoApproveWithin = c.AutoApproveWithin
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("sla policy: %w", err)
	}

	if c.RetryDelay < 0 || c.OfflineThreshold < 0 {
		return fmt.Errorf("RETRY_DELAY and OFFLINE_THRESHOLD must not be negative")
	}

	c.Rules = rules
	c.Policy = policy
	return nil
}
