package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogOptions is the logging section of the configuration.
type LogOptions struct {
	Level    string   // debug, info, warn, error
	Format   string   // json or console
	Output   []string // zap sink URLs or file paths; default stderr
	Sampling bool     // json only
}

// LogOptionsFrom reads logging.level, logging.format, logging.output
// (comma-separated) and logging.sampling.
func LogOptionsFrom(v *viper.Viper) LogOptions {
	o := LogOptions{
		Level:    v.GetString("logging.level"),
		Format:   v.GetString("logging.format"),
		Sampling: true,
	}
	if s, ok := v.Get("logging.output").(string); ok {
		o.Output = strings.Split(s, ",")
	} else {
		o.Output = v.GetStringSlice("logging.output")
	}
	if v.IsSet("logging.sampling") {
		o.Sampling = v.GetBool("logging.sampling")
	}
	return o
}

// NewLogger builds the process logger from the logging section of v.
// Every entry carries service=floorsight.
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	return BuildLogger(LogOptionsFrom(v))
}

// BuildLogger builds a logger from explicit options.
func BuildLogger(o LogOptions) (*zap.Logger, error) {
	if o.Level == "" {
		o.Level = "info"
	}
	level, err := zapcore.ParseLevel(o.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.Level, err)
	}

	var cfg zap.Config
	switch o.Format {
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if !o.Sampling {
			cfg.Sampling = nil
		}
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", o.Format)
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	if len(o.Output) > 0 {
		out := make([]string, 0, len(o.Output))
		for _, p := range o.Output {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			cfg.OutputPaths = out
		}
	}
	cfg.InitialFields = map[string]any{"service": "floorsight"}

	return cfg.Build()
}
