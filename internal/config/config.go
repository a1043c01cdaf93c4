package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adversarial-harness/internal/monitor"
	"github.com/danielpatrickdp/adversarial-harness/internal/process"
	"github.com/danielpatrickdp/adversarial-harness/internal/validator"
	"github.com/danielpatrickdp/adversarial-harness/internal/victim"
)

// #region types
// Config is the full harness configuration.
type Config struct {
	Mode      string           `yaml:"mode"`
	Paths     PathsConfig      `yaml:"paths"`
	Samples   SamplesConfig    `yaml:"samples"`
	Victim    VictimConfig     `yaml:"victim"`
	Attack    AttackConfig     `yaml:"attack"`
	Monitor   monitor.Config   `yaml:"monitor"`
	Validator validator.Config `yaml:"validator"`
	Store     StoreConfig      `yaml:"store"`
}

// PathsConfig locates the dataset and the per-run working directory.
type PathsConfig struct {
	DatasetDir string `yaml:"dataset_dir"` // empty: synthesize samples
	WorkDir    string `yaml:"work_dir"`    // input/ and output/ are created here
	LogDir     string `yaml:"log_dir"`
}

// SamplesConfig controls synthetic samples when no dataset is configured.
type SamplesConfig struct {
	Count int   `yaml:"count"`
	Seed  int64 `yaml:"seed"`
}

// VictimConfig controls the model server and its readiness probe.
type VictimConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	ReadyRetries  int           `yaml:"ready_retries"`
	ReadyInterval time.Duration `yaml:"ready_interval"`
}

// Launcher kinds.
const (
	LauncherCommand = "command"
	LauncherDocker  = "docker"
	LauncherNone    = "none"
)

// AttackConfig selects how the attack is started. With LauncherNone the
// attack is started elsewhere and ContainerID, if set, is used for liveness.
type AttackConfig struct {
	Launcher    string   `yaml:"launcher"`
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	Image       string   `yaml:"image"`
	Network     string   `yaml:"network"`
	ContainerID string   `yaml:"container_id"`
}

// StoreConfig locates the run database.
type StoreConfig struct {
	Path string `yaml:"path"`
}
// #endregion types

// #region defaults
// Default returns the competition configuration.
func Default() Config {
	return Config{
		Mode: string(victim.ModeUntargeted),
		Paths: PathsConfig{
			WorkDir: "advharness-run",
			LogDir:  "advharness-logs",
		},
		Samples: SamplesConfig{Count: 100, Seed: 1},
		Victim: VictimConfig{
			ListenAddr:    "127.0.0.1:8989",
			ReadyRetries:  10,
			ReadyInterval: time.Second,
		},
		Attack:    AttackConfig{Launcher: LauncherDocker, Network: "host"},
		Monitor:   monitor.DefaultConfig(),
		Validator: validator.DefaultConfig(),
		Store:     StoreConfig{Path: "advharness.db"},
	}
}
// #endregion defaults

// #region load
// Load overlays the YAML file at path onto Default and applies environment
// overrides. An empty path skips the file. The result is not validated so
// callers can apply flags first.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv applies ADVHARNESS_* overrides.
func (c *Config) ApplyEnv() error {
	c.Mode = envOr("ADVHARNESS_MODE", c.Mode)
	c.Paths.DatasetDir = envOr("ADVHARNESS_DATASET", c.Paths.DatasetDir)
	c.Paths.WorkDir = envOr("ADVHARNESS_WORK_DIR", c.Paths.WorkDir)
	c.Victim.ListenAddr = envOr("ADVHARNESS_MODEL_ADDR", c.Victim.ListenAddr)
	c.Attack.Image = envOr("ADVHARNESS_ATTACK_IMAGE", c.Attack.Image)
	c.Store.Path = envOr("ADVHARNESS_DB", c.Store.Path)

	if v := os.Getenv("ADVHARNESS_SAMPLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ADVHARNESS_SAMPLES: %w", err)
		}
		c.Samples.Count = n
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
// #endregion load

// #region validate
// Validate checks the configuration for values the harness cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, err := victim.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Paths.DatasetDir == "" && c.Samples.Count <= 0 {
		errs = append(errs, errors.New("samples.count must be positive when no dataset_dir is set"))
	}
	if c.Paths.WorkDir == "" {
		errs = append(errs, errors.New("paths.work_dir is required"))
	}
	if c.Victim.ListenAddr == "" {
		errs = append(errs, errors.New("victim.listen_addr is required"))
	}
	if c.Victim.ReadyRetries < 1 || c.Victim.ReadyInterval <= 0 {
		errs = append(errs, errors.New("victim readiness probe needs positive retries and interval"))
	}
	switch c.Attack.Launcher {
	case LauncherCommand:
		if c.Attack.Command == "" {
			errs = append(errs, errors.New("attack.command is required for the command launcher"))
		}
	case LauncherDocker:
		if c.Attack.Image == "" {
			errs = append(errs, errors.New("attack.image is required for the docker launcher"))
		}
	case LauncherNone:
		if c.Attack.ContainerID != "" {
			if err := process.CheckContainerID(c.Attack.ContainerID); err != nil {
				errs = append(errs, fmt.Errorf("attack.container_id: %w", err))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown attack launcher %q", c.Attack.Launcher))
	}
	if err := c.Monitor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Validator.MinCoverage < 0 || c.Validator.MinCoverage > 1 {
		errs = append(errs, fmt.Errorf("validator.min_coverage %.2f outside [0, 1]", c.Validator.MinCoverage))
	}
	if c.Validator.QueriesPerSample <= 0 {
		errs = append(errs, errors.New("validator.queries_per_sample must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
// #endregion validate
