package fusion

import (
	"fmt"
	"math/rand"
	"time"
)

// Config is the service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	Policy    Policy          `yaml:"policy" json:"policy"`
	RANSAC    RANSACConfig    `yaml:"ransac" json:"ransac"`
	Localizer LocalizerConfig `yaml:"localizer" json:"localizer"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	History   HistoryConfig   `yaml:"history" json:"history"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig holds the HTTP listener and on-disk locations
type ServerConfig struct {
	Listen              string `yaml:"listen" json:"listen"`
	UploadDir           string `yaml:"upload_dir" json:"uploadDir"`
	SceneRoot           string `yaml:"scene_root" json:"sceneRoot"`
	ClearUploadsOnStart bool   `yaml:"clear_uploads_on_start" json:"clearUploadsOnStart"`
}

// RANSACConfig holds the robust estimator settings. Zero thresholds are
// derived from the data.
type RANSACConfig struct {
	ThresholdInit   float64 `yaml:"threshold_init" json:"thresholdInit"`
	ThresholdRefine float64 `yaml:"threshold_refine" json:"thresholdRefine"`
	MaxTrials       int     `yaml:"max_trials" json:"maxTrials"`
	ScaleMin        float64 `yaml:"scale_min" json:"scaleMin"`
	ScaleMax        float64 `yaml:"scale_max" json:"scaleMax"`
	Seed            int64   `yaml:"seed,omitempty" json:"seed,omitempty"` // 0 seeds from the clock
}

// LocalizerConfig points at the visual localization service
type LocalizerConfig struct {
	Endpoint   string        `yaml:"endpoint" json:"endpoint"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"maxRetries"`
	Backoff    time.Duration `yaml:"backoff" json:"backoff"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HistoryConfig locates the alignment history database. An empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path" json:"path"`
}

// DefaultConfig returns a configuration that works against a local
// localization service with MQTT and history disabled.
func DefaultConfig() *Config {
	sim := DefaultSim3Config()
	return &Config{
		Server: ServerConfig{
			Listen:              ":8000",
			UploadDir:           "uploads",
			SceneRoot:           "scenes",
			ClearUploadsOnStart: true,
		},
		Pipeline: DefaultPipelineConfig(),
		Policy:   DefaultPolicy(),
		RANSAC: RANSACConfig{
			ThresholdInit:   sim.ThresholdInit,
			ThresholdRefine: sim.ThresholdRefine,
			MaxTrials:       sim.MaxTrials,
			ScaleMin:        sim.ScaleMin,
			ScaleMax:        sim.ScaleMax,
		},
		Localizer: LocalizerConfig{
			Endpoint:   "http://localhost:8001",
			Timeout:    DefaultLocalizeTimeout,
			MaxRetries: DefaultLocalizeRetries,
			Backoff:    defaultLocalizeBackoff,
		},
		MQTT: MQTTConfig{
			PublishPrefix: "posefuse",
			ClientID:      "posefuse",
		},
		Logging: DefaultLoggingConfig(),
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.UploadDir == "" {
		return fmt.Errorf("server.upload_dir is required")
	}
	if c.Server.SceneRoot == "" {
		return fmt.Errorf("server.scene_root is required")
	}
	if c.Localizer.Endpoint == "" {
		return fmt.Errorf("localizer.endpoint is required")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive, got %d", c.Pipeline.QueueSize)
	}
	p := c.Policy
	if p.MinPairs < 3 {
		return fmt.Errorf("policy.min_pairs must be at least 3, got %d", p.MinPairs)
	}
	if p.MaxPairs != 0 && p.MaxPairs < p.MinPairs {
		return fmt.Errorf("policy.max_pairs (%d) must be 0 or at least min_pairs (%d)", p.MaxPairs, p.MinPairs)
	}
	if !(p.ScaleMin > 0 && p.ScaleMin < p.ScaleMax) {
		return fmt.Errorf("policy scale range must satisfy 0 < scale_min < scale_max, got %.3f..%.3f", p.ScaleMin, p.ScaleMax)
	}
	if p.RegressionFactor <= 0 {
		return fmt.Errorf("policy.regression_factor must be positive, got %.3f", p.RegressionFactor)
	}
	if c.RANSAC.MaxTrials <= 0 {
		return fmt.Errorf("ransac.max_trials must be positive, got %d", c.RANSAC.MaxTrials)
	}
	if c.RANSAC.ScaleMin > 0 && c.RANSAC.ScaleMax > 0 && c.RANSAC.ScaleMin >= c.RANSAC.ScaleMax {
		return fmt.Errorf("ransac scale bounds must satisfy scale_min < scale_max")
	}
	return nil
}

// Sim3Config converts the RANSAC section into estimator settings
func (r RANSACConfig) Sim3Config(minInliers int) Sim3Config {
	seed := r.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return Sim3Config{
		WithScale:       true,
		ThresholdInit:   r.ThresholdInit,
		ThresholdRefine: r.ThresholdRefine,
		MaxTrials:       r.MaxTrials,
		MinInliers:      minInliers,
		ScaleMin:        r.ScaleMin,
		ScaleMax:        r.ScaleMax,
		RNG:             rand.New(rand.NewSource(seed)),
	}
}

// LocalizeOptions converts the localizer section into client options
func (l LocalizerConfig) LocalizeOptions() []LocalizeOption {
	var opts []LocalizeOption
	if l.Timeout > 0 {
		opts = append(opts, WithLocalizeTimeout(l.Timeout))
	}
	if l.MaxRetries > 0 {
		opts = append(opts, WithLocalizeRetries(l.MaxRetries))
	}
	if l.Backoff > 0 {
		opts = append(opts, WithLocalizeBackoff(l.Backoff))
	}
	return opts
}

// CallBudget is the longest one Localize call can take: every attempt
// timing out plus the exponential backoff between attempts.
func (l LocalizerConfig) CallBudget() time.Duration {
	timeout, attempts, backoff := l.Timeout, l.MaxRetries, l.Backoff
	if timeout <= 0 {
		timeout = DefaultLocalizeTimeout
	}
	if attempts <= 0 {
		attempts = DefaultLocalizeRetries
	}
	if backoff <= 0 {
		backoff = defaultLocalizeBackoff
	}
	budget := timeout * time.Duration(attempts)
	for i := 1; i < attempts; i++ {
		budget += backoff << (i - 1)
	}
	return budget
}

// PipelineSettings returns the pipeline section with the localize deadline
// raised to cover the localizer's retry budget.
func (c *Config) PipelineSettings() PipelineConfig {
	pc := c.Pipeline
	if budget := c.Localizer.CallBudget(); pc.LocalizeTimeout < budget {
		pc.LocalizeTimeout = budget
	}
	return pc
}
