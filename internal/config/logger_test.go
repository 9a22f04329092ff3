package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantErr   bool
		wantLevel zapcore.Level
	}{
		{name: "defaults", wantLevel: zapcore.InfoLevel},
		{name: "debug json", level: "debug", format: "json", wantLevel: zapcore.DebugLevel},
		{name: "warn console", level: "warn", format: "console", wantLevel: zapcore.WarnLevel},
		{name: "invalid level", level: "banana", format: "json", wantErr: true},
		{name: "invalid format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			if tt.level != "" {
				v.Set("logging.level", tt.level)
			}
			if tt.format != "" {
				v.Set("logging.format", tt.format)
			}

			logger, err := NewLogger(v)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger: %v", err)
			}
			if !logger.Core().Enabled(tt.wantLevel) {
				t.Errorf("level %v not enabled", tt.wantLevel)
			}
			if tt.wantLevel > zapcore.DebugLevel && logger.Core().Enabled(tt.wantLevel-1) {
				t.Errorf("level below %v unexpectedly enabled", tt.wantLevel)
			}
		})
	}
}

func TestFromMap_UnmarshalNested(t *testing.T) {
	type section struct {
		MinPopulation struct {
			Zone int `mapstructure:"zone"`
		} `mapstructure:"min_population"`
		QueryTimeout time.Duration `mapstructure:"query_timeout"`
	}

	cfg := FromMap(map[string]any{
		"min_population.zone": 7,
		"query_timeout":       "2s",
	})

	var got section
	if err := cfg.Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.MinPopulation.Zone != 7 {
		t.Errorf("MinPopulation.Zone = %d, want 7", got.MinPopulation.Zone)
	}
	if got.QueryTimeout != 2*time.Second {
		t.Errorf("QueryTimeout = %v, want 2s", got.QueryTimeout)
	}
}

func TestSub_MissingSectionIsEmpty(t *testing.T) {
	cfg := FromMap(map[string]any{"plugins.episodes.enabled": true})

	if !cfg.Sub("plugins").Sub("episodes").GetBool("enabled") {
		t.Error("expected nested section to be readable")
	}
	missing := cfg.Sub("plugins.ingest")
	if missing == nil {
		t.Fatal("Sub returned nil for missing section")
	}
	if missing.IsSet("brokers") {
		t.Error("missing section should have no keys")
	}
}

func TestLogOptionsFrom(t *testing.T) {
	v := viper.New()
	v.Set("logging.output", "stdout, /tmp/fs.log")
	v.Set("logging.sampling", false)

	o := LogOptionsFrom(v)
	if len(o.Output) != 2 {
		t.Fatalf("Output = %v, want 2 sinks", o.Output)
	}
	if o.Sampling {
		t.Error("Sampling = true, want false")
	}
	if !LogOptionsFrom(viper.New()).Sampling {
		t.Error("sampling should default to true")
	}
}

func TestBuildLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floorsight.log")
	logger, err := BuildLogger(LogOptions{Level: "info", Output: []string{path}})
	if err != nil {
		t.Fatalf("BuildLogger: %v", err)
	}
	logger.Info("baselines refreshed")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"service":"floorsight"`) || !strings.Contains(string(data), "baselines refreshed") {
		t.Errorf("log file = %s", data)
	}
}
