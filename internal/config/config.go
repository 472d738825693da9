// Package config loads engine settings from a config file, DRAGONSCALE_*
// environment variables and built-in defaults, in that order of precedence
// after the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"github.com/spf13/viper"
)

// Task classifiers selectable by the classifier key.
const (
	ClassifierKeyword = "keyword"
	ClassifierFlow    = "flow"
)

// EnvPrefix prefixes every environment override, e.g. DRAGONSCALE_TOP_K or
// DRAGONSCALE_LOG_DEBUG.
const EnvPrefix = "DRAGONSCALE"

// Config is the root configuration.
type Config struct {
	MaxConcurrency       int           `json:"max_concurrency"       mapstructure:"max_concurrency"`
	MaxRetries           int           `json:"max_retries"           mapstructure:"max_retries"`
	RetryBaseDelay       time.Duration `json:"retry_base_delay"      mapstructure:"retry_base_delay"`
	StepTimeout          time.Duration `json:"step_timeout"          mapstructure:"step_timeout"`
	ExecutionTimeout     time.Duration `json:"execution_timeout"     mapstructure:"execution_timeout"`
	CompositionThreshold float64       `json:"composition_threshold" mapstructure:"composition_threshold"`
	TopK                 int           `json:"top_k"                 mapstructure:"top_k"`
	LearningRate         float64       `json:"learning_rate"         mapstructure:"learning_rate"`
	ScoreExpression      string        `json:"score_expression"      mapstructure:"score_expression"`
	DefaultTool          string        `json:"default_tool"          mapstructure:"default_tool"`
	Classifier           string        `json:"classifier"            mapstructure:"classifier"`
	DBPath               string        `json:"db_path"               mapstructure:"db_path"`
	Events               EventsConfig  `json:"events"                mapstructure:"events"`
	Log                  LogConfig     `json:"log"                   mapstructure:"log"`
}

// EventsConfig sizes the in-process event bus.
type EventsConfig struct {
	Enabled    bool `json:"enabled"     mapstructure:"enabled"`
	BufferSize int  `json:"buffer_size" mapstructure:"buffer_size"`
	Workers    int  `json:"workers"     mapstructure:"workers"`
}

// LogConfig controls logging.
type LogConfig struct {
	Debug bool `json:"debug" mapstructure:"debug"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	d := dragonscale.DefaultConfig()
	v.SetDefault("max_concurrency", d.MaxConcurrency)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_base_delay", d.RetryBaseDelay.String())
	v.SetDefault("step_timeout", d.StepTimeout.String())
	v.SetDefault("execution_timeout", d.ExecutionTimeout.String())
	v.SetDefault("composition_threshold", d.CompositionThreshold)
	v.SetDefault("top_k", d.TopK)
	v.SetDefault("learning_rate", d.LearningRate)
	v.SetDefault("score_expression", d.ScoreExpression)
	v.SetDefault("default_tool", d.DefaultTool)
	v.SetDefault("classifier", ClassifierKeyword)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("events.enabled", d.EnableEventBus)
	v.SetDefault("events.buffer_size", d.EventBusBufferSize)
	v.SetDefault("events.workers", d.EventBusWorkerCount)
	v.SetDefault("log.debug", d.Debug)
}

// New returns a viper instance with defaults and environment overrides
// registered.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, when set, on top of the defaults and environment, and
// validates the result. The file format follows its extension.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v. Unknown keys are
// rejected.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Engine converts the settings into the engine configuration.
func (c Config) Engine() dragonscale.Config {
	return dragonscale.Config{
		MaxConcurrency:       c.MaxConcurrency,
		MaxRetries:           c.MaxRetries,
		RetryBaseDelay:       c.RetryBaseDelay,
		StepTimeout:          c.StepTimeout,
		ExecutionTimeout:     c.ExecutionTimeout,
		CompositionThreshold: c.CompositionThreshold,
		TopK:                 c.TopK,
		LearningRate:         c.LearningRate,
		ScoreExpression:      c.ScoreExpression,
		DefaultTool:          c.DefaultTool,
		DBPath:               c.DBPath,
		EnableEventBus:       c.Events.Enabled,
		EventBusBufferSize:   c.Events.BufferSize,
		EventBusWorkerCount:  c.Events.Workers,
		Debug:                c.Log.Debug,
	}
}
