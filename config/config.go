package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the analysis pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Search    SearchConfig    `mapstructure:"search"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Retention RetentionConfig `mapstructure:"retention"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address      string   `mapstructure:"address"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// ProvidersConfig lists the content providers the pipeline may call and the
// order in which they are tried.
type ProvidersConfig struct {
	Order  []string     `mapstructure:"order"`
	Gemini GeminiConfig `mapstructure:"gemini"`
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

type GeminiConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1KInput  float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

type OpenAIConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	Temperature     float64       `mapstructure:"temperature"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CostPer1KInput  float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
}

func (p ProvidersConfig) Normalize() ProvidersConfig {
	if len(p.Order) == 0 {
		p.Order = []string{"gemini", "openai"}
	}
	if p.Gemini.Model == "" {
		p.Gemini.Model = "gemini-1.5-flash"
	}
	if p.OpenAI.BaseURL == "" {
		p.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if p.OpenAI.Model == "" {
		p.OpenAI.Model = "gpt-4o-mini"
	}
	if p.OpenAI.Timeout <= 0 {
		p.OpenAI.Timeout = 60 * time.Second
	}
	return p
}

func (p ProvidersConfig) Validate() error {
	for _, name := range p.Order {
		switch name {
		case "gemini", "openai":
		default:
			return fmt.Errorf("providers.order: unknown provider %q", name)
		}
	}
	return nil
}

// SearchConfig configures the web search engines used by the research stage.
type SearchConfig struct {
	Order      []string      `mapstructure:"order"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Serper     SerperConfig  `mapstructure:"serper"`
	Brave      BraveConfig   `mapstructure:"brave"`
}

type SerperConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type BraveConfig struct {
	APIKey string `mapstructure:"api_key"`
}

func (s SearchConfig) Normalize() SearchConfig {
	if len(s.Order) == 0 {
		s.Order = []string{"serper", "brave"}
	}
	if s.MaxResults <= 0 {
		s.MaxResults = 20
	}
	if s.Timeout <= 0 {
		s.Timeout = 20 * time.Second
	}
	return s
}

func (s SearchConfig) Validate() error {
	for _, name := range s.Order {
		switch name {
		case "serper", "brave":
		default:
			return fmt.Errorf("search.order: unknown engine %q", name)
		}
	}
	return nil
}

// FilterConfig drives the URL relevance filter applied before fetching.
type FilterConfig struct {
	BlockedDomains   []string `mapstructure:"blocked_domains"`
	BlockedPatterns  []string `mapstructure:"blocked_patterns"`
	PreferredDomains []string `mapstructure:"preferred_domains"`
	MaxAccepted      int      `mapstructure:"max_accepted"`
}

func (f FilterConfig) Normalize() FilterConfig {
	if f.MaxAccepted <= 0 {
		f.MaxAccepted = 15
	}
	return f
}

// ExtractConfig configures page content extraction tiers.
type ExtractConfig struct {
	MaxChars       int           `mapstructure:"max_chars"`
	MinStaticChars int           `mapstructure:"min_static_chars"`
	BrowserEnabled bool          `mapstructure:"browser_enabled"`
	BrowserTimeout time.Duration `mapstructure:"browser_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
}

func (e ExtractConfig) Normalize() ExtractConfig {
	if e.MaxChars <= 0 {
		e.MaxChars = 4000
	}
	if e.MinStaticChars <= 0 {
		e.MinStaticChars = 300
	}
	if e.BrowserTimeout <= 0 {
		e.BrowserTimeout = 25 * time.Second
	}
	if e.FetchTimeout <= 0 {
		e.FetchTimeout = 15 * time.Second
	}
	return e
}

// PipelineConfig bounds stage execution and checkpoint persistence.
type PipelineConfig struct {
	StageTimeout    time.Duration `mapstructure:"stage_timeout"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	PersistAttempts int           `mapstructure:"persist_attempts"`
	PersistBackoff  time.Duration `mapstructure:"persist_backoff"`
}

func (p PipelineConfig) Normalize() PipelineConfig {
	if p.StageTimeout <= 0 {
		p.StageTimeout = 2 * time.Minute
	}
	if p.RunTimeout <= 0 {
		p.RunTimeout = 15 * time.Minute
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 4
	}
	if p.PersistAttempts <= 0 {
		p.PersistAttempts = 3
	}
	if p.PersistBackoff <= 0 {
		p.PersistBackoff = 200 * time.Millisecond
	}
	return p
}

// StorageConfig selects and configures the checkpoint backend.
type StorageConfig struct {
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN assembles a postgres connection string from the individual fields
// unless an explicit URL is set.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	if p.Host == "" || p.DBName == "" {
		return ""
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

type CheckpointConfig struct {
	Backend string `mapstructure:"backend"` // postgres or filesystem
	Dir     string `mapstructure:"dir"`
}

func (s StorageConfig) Normalize() StorageConfig {
	if s.Checkpoint.Backend == "" {
		s.Checkpoint.Backend = "filesystem"
	}
	if s.Checkpoint.Dir == "" {
		s.Checkpoint.Dir = "runs"
	}
	return s
}

func (s StorageConfig) Validate() error {
	switch s.Checkpoint.Backend {
	case "filesystem":
	case "postgres":
		if s.Postgres.DSN() == "" {
			return fmt.Errorf("storage.checkpoint.backend is postgres but storage.postgres is not configured")
		}
	default:
		return fmt.Errorf("storage.checkpoint.backend must be postgres or filesystem, got %q", s.Checkpoint.Backend)
	}
	return nil
}

// RedisConfig configures the optional progress event stream.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

func (r RedisConfig) Normalize() RedisConfig {
	if r.Stream == "" {
		r.Stream = "mercator.progress"
	}
	if r.MaxLen <= 0 {
		r.MaxLen = 10000
	}
	return r
}

// Enabled reports whether progress publishing is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// BudgetConfig sets default per-run spending limits. Zero means unlimited.
type BudgetConfig struct {
	MaxCostUSD float64 `mapstructure:"max_cost_usd"`
	MaxTokens  int64   `mapstructure:"max_tokens"`
}

// RetentionConfig schedules pruning of finished runs.
type RetentionConfig struct {
	Cron   string        `mapstructure:"cron"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

func (r RetentionConfig) Validate() error {
	if r.Cron != "" && r.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be set when retention.cron is set")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PeriodicLogs   bool          `mapstructure:"periodic_logs"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

func (t TelemetryConfig) Normalize() TelemetryConfig {
	if t.ReportInterval <= 0 {
		t.ReportInterval = 5 * time.Minute
	}
	return t
}

// LoadConfig reads configuration from the given file, or from the default
// search paths when path is empty. Environment variables prefixed with
// MERCATOR_ override file values. It panics on malformed configuration: the
// process cannot do anything useful without it.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("storage.checkpoint.backend", "filesystem")
	viper.SetDefault("storage.checkpoint.dir", "runs")
	viper.SetDefault("pipeline.stage_timeout", "2m")
	viper.SetDefault("pipeline.run_timeout", "15m")
	viper.SetDefault("pipeline.max_concurrent", 4)
	viper.SetDefault("pipeline.persist_attempts", 3)
	viper.SetDefault("pipeline.persist_backoff", "200ms")
	viper.SetDefault("search.max_results", 20)
	viper.SetDefault("extract.max_chars", 4000)
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("MERCATOR")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults plus environment are enough for the filesystem backend;
		// only an explicitly named file must exist.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	config.Providers = config.Providers.Normalize()
	config.Search = config.Search.Normalize()
	config.Filter = config.Filter.Normalize()
	config.Extract = config.Extract.Normalize()
	config.Pipeline = config.Pipeline.Normalize()
	config.Storage = config.Storage.Normalize()
	config.Redis = config.Redis.Normalize()
	config.Telemetry = config.Telemetry.Normalize()

	if err := config.Providers.Validate(); err != nil {
		panic(err)
	}
	if err := config.Search.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Validate(); err != nil {
		panic(err)
	}
	if err := config.Retention.Validate(); err != nil {
		panic(err)
	}

	return &config
}
