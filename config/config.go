// Package config loads the service settings from defaults, an optional
// itinerary.yaml, ITINERARY_* environment variables and command line flags.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/martinemde/itinerary/agentloop"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "ITINERARY"

type Settings struct {
	Server     ServerSettings     `mapstructure:"server"`
	CORS       CORSSettings       `mapstructure:"cors"`
	RateLimit  RateLimitSettings  `mapstructure:"rate_limit"`
	LLM        LLMSettings        `mapstructure:"llm"`
	Loop       LoopSettings       `mapstructure:"loop"`
	Store      StoreSettings      `mapstructure:"store"`
	BookingAPI BookingAPISettings `mapstructure:"booking_api"`
	Weather    WeatherSettings    `mapstructure:"weather"`
	Policies   PolicySettings     `mapstructure:"policies"`
	Profile    ProfileSettings    `mapstructure:"profile"`
	Events     EventSettings      `mapstructure:"events"`
}

type ServerSettings struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type CORSSettings struct {
	AllowOrigins     []string `mapstructure:"allow_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type RateLimitSettings struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type LLMSettings struct {
	// Provider selects the adapter: openai, or gollm for the vendors gollm
	// supports.
	Provider      string   `mapstructure:"provider"`
	GollmProvider string   `mapstructure:"gollm_provider"`
	Model         string   `mapstructure:"model"`
	APIKey        string   `mapstructure:"api_key"`
	BaseURL       string   `mapstructure:"base_url"`
	MaxRetries    int      `mapstructure:"max_retries"`
	Temperature   *float64 `mapstructure:"temperature"`
}

type LoopSettings struct {
	MaxSupersteps       int           `mapstructure:"max_supersteps"`
	DecideTimeout       time.Duration `mapstructure:"decide_timeout"`
	DispatchTimeout     time.Duration `mapstructure:"dispatch_timeout"`
	MaxParallelTools    int           `mapstructure:"max_parallel_tools"`
	LoopDetectionWindow int           `mapstructure:"loop_detection_window"`
}

type StoreSettings struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type BookingAPISettings struct {
	BaseURL string `mapstructure:"base_url"`
}

type WeatherSettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type PolicySettings struct {
	WeaviateHost   string `mapstructure:"weaviate_host"`
	WeaviateScheme string `mapstructure:"weaviate_scheme"`
	WeaviateAPIKey string `mapstructure:"weaviate_api_key"`
	// EmbeddingAPIKey is an OpenAI key for query embeddings. It defaults to
	// llm.api_key when the openai provider is used.
	EmbeddingAPIKey string `mapstructure:"embedding_api_key"`
	Class           string `mapstructure:"class"`
	EmbeddingModel  string `mapstructure:"embedding_model"`
	TopK            int    `mapstructure:"top_k"`
}

type ProfileSettings struct {
	File string `mapstructure:"file"`
}

type EventSettings struct {
	Enabled bool `mapstructure:"enabled"`
}

var defaults = map[string]interface{}{
	"server.addr":             ":9090",
	"server.read_timeout":     "15s",
	"server.write_timeout":    "180s",
	"server.shutdown_timeout": "10s",
	"server.max_body_bytes":   1 << 20,

	"cors.allow_origins":     []string{"http://localhost:3001"},
	"cors.allow_credentials": true,

	"rate_limit.per_second": 1.0,
	"rate_limit.burst":      5,

	"llm.provider":       "openai",
	"llm.gollm_provider": "anthropic",
	"llm.model":          "gpt-4o-mini",
	"llm.max_retries":    2,

	"loop.max_supersteps":        agentloop.DefaultMaxSupersteps,
	"loop.decide_timeout":        agentloop.DefaultDecideTimeout.String(),
	"loop.dispatch_timeout":      agentloop.DefaultDispatchTimeout.String(),
	"loop.max_parallel_tools":    agentloop.DefaultMaxParallelTools,
	"loop.loop_detection_window": 10,

	"store.driver": "memory",
	"store.dsn":    "file:itinerary.db?_busy_timeout=5000",

	"booking_api.base_url": "http://localhost:9091",

	"weather.base_url": "http://api.weatherapi.com/v1",

	"policies.weaviate_scheme": "http",
	"policies.class":           "HotelPolicy",
	"policies.embedding_model": "text-embedding-3-small",
	"policies.top_k":           4,

	"events.enabled": true,
}

// envOnly are keys without a default. Some also accept the conventional
// vendor variable.
var envOnly = map[string][]string{
	"llm.api_key":                {"ITINERARY_LLM_API_KEY", "OPENAI_API_KEY"},
	"llm.base_url":               {"ITINERARY_LLM_BASE_URL"},
	"llm.temperature":            {"ITINERARY_LLM_TEMPERATURE"},
	"weather.api_key":            {"ITINERARY_WEATHER_API_KEY", "WEATHER_API_KEY"},
	"policies.weaviate_host":     {"ITINERARY_POLICIES_WEAVIATE_HOST"},
	"policies.weaviate_api_key":  {"ITINERARY_POLICIES_WEAVIATE_API_KEY"},
	"policies.embedding_api_key": {"ITINERARY_POLICIES_EMBEDDING_API_KEY", "OPENAI_API_KEY"},
	"profile.file":               {"ITINERARY_PROFILE_FILE"},
}

// NewViper returns a viper instance with defaults and environment binding.
// configFile may be empty, in which case itinerary.yaml is searched in the
// working directory, $HOME/.itinerary and /etc/itinerary.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, envs := range envOnly {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, errors.Wrapf(err, "bind env for %s", key)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("itinerary")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.itinerary")
		v.AddConfigPath("/etc/itinerary")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

// BindFlags binds flags to keys, for example "addr" to "server.addr".
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := flags.Lookup(flag)
		if f == nil {
			return errors.Errorf("unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	return nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	s.CORS.AllowOrigins = splitOrigins(s.CORS.AllowOrigins)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// splitOrigins accepts both lists and comma separated values.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate rejects settings the service cannot start with.
func (s *Settings) Validate() error {
	switch s.LLM.Provider {
	case "openai":
		if s.LLM.APIKey == "" && s.LLM.BaseURL == "" {
			return errors.New("llm.api_key is required for the openai provider")
		}
	case "gollm":
		if s.LLM.GollmProvider == "" {
			return errors.New("llm.gollm_provider is required for the gollm provider")
		}
	default:
		return errors.Errorf("unknown llm.provider %q (want openai or gollm)", s.LLM.Provider)
	}
	if s.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	if s.LLM.MaxRetries < 0 {
		return errors.New("llm.max_retries must not be negative")
	}

	switch s.Store.Driver {
	case "memory":
	case "sqlite":
		if s.Store.DSN == "" {
			return errors.New("store.dsn is required for the sqlite driver")
		}
	default:
		return errors.Errorf("unknown store.driver %q (want memory or sqlite)", s.Store.Driver)
	}

	positive := map[string]int64{
		"loop.max_supersteps":     int64(s.Loop.MaxSupersteps),
		"loop.max_parallel_tools": int64(s.Loop.MaxParallelTools),
		"loop.decide_timeout":     int64(s.Loop.DecideTimeout),
		"loop.dispatch_timeout":   int64(s.Loop.DispatchTimeout),
		"server.read_timeout":     int64(s.Server.ReadTimeout),
		"server.write_timeout":    int64(s.Server.WriteTimeout),
		"server.shutdown_timeout": int64(s.Server.ShutdownTimeout),
		"server.max_body_bytes":   s.Server.MaxBodyBytes,
		"rate_limit.burst":        int64(s.RateLimit.Burst),
	}
	for key, value := range positive {
		if value <= 0 {
			return errors.Errorf("%s must be positive", key)
		}
	}
	if s.RateLimit.PerSecond <= 0 {
		return errors.New("rate_limit.per_second must be positive")
	}
	if s.Loop.LoopDetectionWindow < 0 {
		return errors.New("loop.loop_detection_window must not be negative")
	}
	if s.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	return nil
}

// AgentConfig maps the loop settings onto agentloop.Config.
func (s LoopSettings) AgentConfig() agentloop.Config {
	cfg := agentloop.DefaultConfig()
	cfg.MaxSupersteps = s.MaxSupersteps
	cfg.DecideTimeout = s.DecideTimeout
	cfg.DispatchTimeout = s.DispatchTimeout
	cfg.MaxParallelTools = s.MaxParallelTools
	cfg.LoopDetectionWindow = s.LoopDetectionWindow
	cfg.EnableLoopDetection = s.LoopDetectionWindow > 0
	return cfg
}

// WeatherEnabled reports whether the forecast tool can be registered.
func (s *Settings) WeatherEnabled() bool { return s.Weather.APIKey != "" }

// EmbeddingKey returns the OpenAI key used for policy query embeddings.
func (s *Settings) EmbeddingKey() string {
	if s.Policies.EmbeddingAPIKey != "" {
		return s.Policies.EmbeddingAPIKey
	}
	if s.LLM.Provider == "openai" {
		return s.LLM.APIKey
	}
	return ""
}

// PoliciesEnabled reports whether the policy search tool can be registered.
func (s *Settings) PoliciesEnabled() bool {
	return s.Policies.WeaviateHost != "" && s.EmbeddingKey() != ""
}
