package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEBATENOW"

type Config struct {
	Server struct {
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"server"`

	// Store selects the record store driver: "mongo" or "memory".
	Store struct {
		Driver string `yaml:"driver"`
	} `yaml:"store"`

	Database struct {
		URI  string `yaml:"uri"`
		Name string `yaml:"name"`
	} `yaml:"database"`

	JWT struct {
		Secret string `yaml:"secret"`
		Expiry int    `yaml:"expiry"` // minutes
	} `yaml:"jwt"`

	Gemini struct {
		ApiKey string `yaml:"apiKey"`
		Model  string `yaml:"model"`
	} `yaml:"gemini"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subjectPrefix"`
	} `yaml:"nats"`

	ICE struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username"`
		Credential string   `yaml:"credential"`
	} `yaml:"ice"`

	Pairing struct {
		Matchups       map[string]string `yaml:"matchups"`
		RescanInterval time.Duration     `yaml:"rescanInterval"`
	} `yaml:"pairing"`

	Debate struct {
		TakeoverGrace time.Duration `yaml:"takeoverGrace"`
	} `yaml:"debate"`

	Disconnect struct {
		Grace time.Duration `yaml:"grace"`
	} `yaml:"disconnect"`

	Dominance struct {
		SampleInterval time.Duration `yaml:"sampleInterval"`
		SpeakingLevel  float64       `yaml:"speakingLevel"`
		MinTotal       time.Duration `yaml:"minTotal"`
		WarningShare   float64       `yaml:"warningShare"`
		PenaltyShare   float64       `yaml:"penaltyShare"`
		// Policy is "override" or "tiebreak".
		Policy string `yaml:"policy"`
	} `yaml:"dominance"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = 1313
	cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}
	cfg.Store.Driver = "mongo"
	cfg.Database.URI = "mongodb://localhost:27017/debatenow?replicaSet=rs0"
	cfg.JWT.Expiry = 24 * 60
	cfg.NATS.SubjectPrefix = "debatenow.match"
	cfg.Pairing.Matchups = map[string]string{"Kamala": "Trump", "Trump": "Kamala"}
	cfg.Pairing.RescanInterval = 5 * time.Second
	cfg.Debate.TakeoverGrace = 3 * time.Second
	cfg.Disconnect.Grace = 15 * time.Second
	cfg.Dominance.SampleInterval = 500 * time.Millisecond
	cfg.Dominance.SpeakingLevel = 0.05
	cfg.Dominance.MinTotal = 10 * time.Second
	cfg.Dominance.WarningShare = 0.55
	cfg.Dominance.PenaltyShare = 0.75
	cfg.Dominance.Policy = "override"
	cfg.Log.Level = "info"
	return &cfg
}

// LoadConfig reads the configuration file over the defaults, then applies
// .env and DEBATENOW_* environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayEnv applies environment overrides. Every key of the file has one,
// named by its yaml path: pairing.rescanInterval is read from
// DEBATENOW_PAIRING_RESCANINTERVAL. Lists are comma separated.
func (c *Config) overlayEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range settingKeys(reflect.TypeOf(*c), "") {
		_ = v.BindEnv(key)
	}
	err := v.Unmarshal(c, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s_* environment: %w", EnvPrefix, err)
	}
	return nil
}

// settingKeys lists the dotted yaml path of every setting under t. Maps have
// no flat form and are left to the file.
func settingKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		switch f.Type.Kind() {
		case reflect.Struct:
			keys = append(keys, settingKeys(f.Type, prefix+name+".")...)
		case reflect.Map:
		default:
			keys = append(keys, prefix+name)
		}
	}
	return keys
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case "mongo":
		if c.Database.URI == "" {
			errs = append(errs, errors.New("database.uri is required for the mongo store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	d := c.Dominance
	if d.WarningShare <= 0.5 || d.PenaltyShare <= d.WarningShare || d.PenaltyShare >= 1 {
		errs = append(errs, fmt.Errorf("dominance shares must satisfy 0.5 < warning (%v) < penalty (%v) < 1", d.WarningShare, d.PenaltyShare))
	}
	if d.SampleInterval <= 0 || d.MinTotal <= 0 {
		errs = append(errs, errors.New("dominance.sampleInterval and dominance.minTotal must be positive"))
	}
	if c.Disconnect.Grace <= 0 || c.Debate.TakeoverGrace < 0 {
		errs = append(errs, errors.New("disconnect.grace must be positive and debate.takeoverGrace non-negative"))
	}
	return errors.Join(errs...)
}
