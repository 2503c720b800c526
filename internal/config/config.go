package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Device       string  `mapstructure:"device" yaml:"device"`
	Detector     string  `mapstructure:"detector" yaml:"detector"`
	Backend      string  `mapstructure:"backend" yaml:"backend"`
	Threshold    float64 `mapstructure:"threshold" yaml:"threshold"`
	TTA          bool    `mapstructure:"tta" yaml:"tta"`
	FaceLimit    int     `mapstructure:"face_limit" yaml:"face_limit"`
	MinFaceSize  int     `mapstructure:"min_face_size" yaml:"min_face_size"`
	FaceSize     int     `mapstructure:"face_size" yaml:"face_size"`
	EmbeddingDim int     `mapstructure:"embedding_dim" yaml:"embedding_dim"`
	Facebank     string  `mapstructure:"facebank" yaml:"facebank"`
	Storage      string  `mapstructure:"storage" yaml:"storage"`
	DBURL        string  `mapstructure:"db_url" yaml:"db_url"`
	LegacyLayout bool    `mapstructure:"legacy_layout" yaml:"legacy_layout"`

	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
	ONNX   ONNXConfig   `mapstructure:"onnx" yaml:"onnx"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Watch  WatchConfig  `mapstructure:"watch" yaml:"watch"`
}

// WorkerConfig describes the Python model workers.
type WorkerConfig struct {
	Python   string        `mapstructure:"python" yaml:"python"`
	Script   string        `mapstructure:"script" yaml:"script"`
	Detector string        `mapstructure:"detector" yaml:"detector"`
	Count    int           `mapstructure:"count" yaml:"count"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ONNXConfig points the native backend at its model.
type ONNXConfig struct {
	Model string `mapstructure:"model" yaml:"model"`
}

// LogConfig controls logrus.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// Enumerations accepted by Validate.
var (
	Devices   = []string{"cpu", "cuda"}
	Detectors = []string{"worker", "center", "none"}
	Backends  = []string{"worker", "onnx"}
	Storages  = []string{"file", "postgres"}
)

// EnvPrefix namespaces environment overrides, e.g. FACEBANK_WORKER_COUNT.
const EnvPrefix = "FACEBANK"

// DefaultFile is read when present and no --config flag is given.
const DefaultFile = "facebank.yaml"

// Load reads the configuration from file, environment and defaults.
// Precedence, highest first: flags, environment, file, defaults.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	// A missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	explicit := configPath != ""
	if !explicit {
		configPath = DefaultFile
	}
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debugf("Config loaded from %s", configPath)
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"facebank":      "facebank",
	"threshold":     "threshold",
	"tta":           "tta",
	"device":        "device",
	"detector":      "detector",
	"backend":       "backend",
	"storage":       "storage",
	"db-url":        "db_url",
	"legacy-layout": "legacy_layout",
	"face-limit":    "face_limit",
	"min-face-size": "min_face_size",
	"workers":       "worker.count",
	"log-level":     "log.level",
	"addr":          "server.addr",
	"debounce":      "watch.debounce",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device", "cpu")
	v.SetDefault("detector", "worker")
	v.SetDefault("backend", "worker")
	v.SetDefault("threshold", 1.5)
	v.SetDefault("tta", true)
	v.SetDefault("face_limit", 10)
	v.SetDefault("min_face_size", 30)
	v.SetDefault("face_size", 112)
	v.SetDefault("embedding_dim", 512)
	v.SetDefault("facebank", "data/facebank")
	v.SetDefault("storage", "file")
	v.SetDefault("db_url", "")
	v.SetDefault("legacy_layout", false)

	v.SetDefault("worker.python", "python3")
	v.SetDefault("worker.script", "python/worker.py")
	v.SetDefault("worker.detector", "mtcnn")
	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.timeout", 30*time.Second)

	v.SetDefault("onnx.model", "models/arcface.onnx")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_body_bytes", 20<<20)
	v.SetDefault("server.read_timeout", 30*time.Second)

	v.SetDefault("watch.debounce", 2*time.Second)
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains(Devices, c.Device), "device %q must be one of %v", c.Device, Devices)
	check(slices.Contains(Detectors, c.Detector), "detector %q must be one of %v", c.Detector, Detectors)
	check(slices.Contains(Backends, c.Backend), "backend %q must be one of %v", c.Backend, Backends)
	check(slices.Contains(Storages, c.Storage), "storage %q must be one of %v", c.Storage, Storages)
	check(c.Threshold >= 0, "threshold must not be negative, got %v", c.Threshold)
	check(c.FaceLimit > 0, "face_limit must be positive, got %d", c.FaceLimit)
	check(c.MinFaceSize >= 0, "min_face_size must not be negative, got %d", c.MinFaceSize)
	check(c.FaceSize > 0, "face_size must be positive, got %d", c.FaceSize)
	check(c.EmbeddingDim > 0, "embedding_dim must be positive, got %d", c.EmbeddingDim)
	check(c.Facebank != "", "facebank path must be set")
	check(c.Worker.Count > 0, "worker.count must be positive, got %d", c.Worker.Count)
	check(c.Worker.Timeout >= 0, "worker.timeout must not be negative")
	check(c.Storage != "postgres" || c.DBURL != "", "storage postgres needs db_url")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

