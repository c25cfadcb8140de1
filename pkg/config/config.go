package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
// It is built once at process start and handed to every component that needs it.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER" validate:"required,oneof=sqlite postgres"`
	DatabaseURL    string `mapstructure:"DATABASE_URL" validate:"required"`

	QueueBackend      string `mapstructure:"QUEUE_BACKEND" validate:"required,oneof=local asynq"`
	RedisAddr         string `mapstructure:"REDIS_ADDR" validate:"required_if=QueueBackend asynq"`
	RedisPassword     string `mapstructure:"REDIS_PASSWORD"`
	WorkerConcurrency int    `mapstructure:"WORKER_CONCURRENCY" validate:"gte=1,lte=64"`
	QueueSize         int    `mapstructure:"QUEUE_SIZE" validate:"gte=1,lte=10000"`
	RecoverOnStart    bool   `mapstructure:"RECOVER_ON_START"`

	// RecoverInterval paces the worker's sweep for orphaned records. Zero runs it once.
	RecoverInterval time.Duration `mapstructure:"RECOVER_INTERVAL" validate:"gte=0"`

	ProvisionerMode  string        `mapstructure:"PROVISIONER_MODE" validate:"required,oneof=terraform mock"`
	MockDelay        time.Duration `mapstructure:"MOCK_DELAY" validate:"gte=0"`
	ToolBinary       string        `mapstructure:"TOOL_BINARY" validate:"required"`
	TemplateDir      string        `mapstructure:"TEMPLATE_DIR" validate:"required_if=ProvisionerMode terraform"`
	RunsDir          string        `mapstructure:"RUNS_DIR" validate:"required_if=ProvisionerMode terraform"`
	PluginCacheDir   string        `mapstructure:"TF_PLUGIN_CACHE_DIR"`
	ScenariosDir     string        `mapstructure:"SCENARIOS_DIR" validate:"required"`
	InitAttempts     int           `mapstructure:"INIT_ATTEMPTS" validate:"gte=1,lte=10"`
	InitBackoff      time.Duration `mapstructure:"INIT_BACKOFF" validate:"gte=0"`
	InitTimeout      time.Duration `mapstructure:"INIT_TIMEOUT" validate:"gt=0"`
	ApplyTimeout     time.Duration `mapstructure:"APPLY_TIMEOUT" validate:"gt=0"`
	DestroyTimeout   time.Duration `mapstructure:"DESTROY_TIMEOUT" validate:"gt=0"`
	OutputTimeout    time.Duration `mapstructure:"OUTPUT_TIMEOUT" validate:"gt=0"`
	ErrorTailLines   int           `mapstructure:"ERROR_TAIL_LINES" validate:"gte=1,lte=500"`
	StreamToolOutput bool          `mapstructure:"STREAM_TOOL_OUTPUT"`

	// OpenStack credentials and project defaults injected into every deployment.
	OSUsername          string `mapstructure:"OS_USERNAME" validate:"required_if=ProvisionerMode terraform"`
	OSPassword          string `mapstructure:"OS_PASSWORD" validate:"required_if=ProvisionerMode terraform"`
	OSProjectID         string `mapstructure:"OS_PROJECT_ID"`
	OSAuthURL           string `mapstructure:"OS_AUTH_URL" validate:"omitempty,url"`
	OSRegionName        string `mapstructure:"OS_REGION_NAME"`
	OSUserDomainName    string `mapstructure:"OS_USER_DOMAIN_NAME"`
	OSProjectDomainName string `mapstructure:"OS_PROJECT_DOMAIN_NAME"`
	KeypairName         string `mapstructure:"KEYPAIR_NAME" validate:"required"`
	VictimImageName     string `mapstructure:"VICTIM_IMAGE_NAME"`

	MetricsEnabled bool    `mapstructure:"METRICS_ENABLED"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var defaults = map[string]any{
	"APP_ENV":                "development",
	"HTTP_ADDR":              "0.0.0.0:8000",
	"SHUTDOWN_TIMEOUT":       "15s",
	"LOG_LEVEL":              "info",
	"LOG_FORMAT":             "json",
	"DATABASE_DRIVER":        "sqlite",
	"DATABASE_URL":           "data/deployments.db",
	"QUEUE_BACKEND":          "local",
	"REDIS_ADDR":             "",
	"REDIS_PASSWORD":         "",
	"WORKER_CONCURRENCY":     4,
	"QUEUE_SIZE":             64,
	"RECOVER_ON_START":       true,
	"RECOVER_INTERVAL":       "5m",
	"PROVISIONER_MODE":       "terraform",
	"MOCK_DELAY":             "2s",
	"TOOL_BINARY":            "tofu",
	"TEMPLATE_DIR":           "/app/infra/terraform",
	"RUNS_DIR":               "/app/runs",
	"TF_PLUGIN_CACHE_DIR":    "/app/cache/terraform-plugins",
	"SCENARIOS_DIR":          "templates",
	"INIT_ATTEMPTS":          3,
	"INIT_BACKOFF":           "5s",
	"INIT_TIMEOUT":           "5m",
	"APPLY_TIMEOUT":          "30m",
	"DESTROY_TIMEOUT":        "10m",
	"OUTPUT_TIMEOUT":         "1m",
	"ERROR_TAIL_LINES":       20,
	"STREAM_TOOL_OUTPUT":     true,
	"OS_USERNAME":            "",
	"OS_PASSWORD":            "",
	"OS_PROJECT_ID":          "",
	"OS_AUTH_URL":            "",
	"OS_REGION_NAME":         "RegionOne",
	"OS_USER_DOMAIN_NAME":    "Default",
	"OS_PROJECT_DOMAIN_NAME": "Default",
	"KEYPAIR_NAME":           "cyberguard_ssh_key",
	"VICTIM_IMAGE_NAME":      "mrrobot-fixed",
	"METRICS_ENABLED":        true,
	"RATE_LIMIT_RPS":         10,
	"RATE_LIMIT_BURST":       20,
	"GOMAXPROCS":             0,
}

// Load builds a Config from .env files, an optional config.yaml, and the
// environment, then validates it.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	// Optional config file
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Older environments only export the tenant id.
	if c.OSProjectID == "" {
		c.OSProjectID = os.Getenv("OS_TENANT_ID")
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	return &c, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// MockMode reports whether deployments are fabricated instead of provisioned.
func (c *Config) MockMode() bool { return c.ProvisionerMode == "mock" }
