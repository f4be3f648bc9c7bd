package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

var (
	containerNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)
	envKeyRegex        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func init() {
	validate.RegisterValidation("containername", func(fl validator.FieldLevel) bool {
		return containerNameRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("envkey", func(fl validator.FieldLevel) bool {
		return envKeyRegex.MatchString(fl.Field().String())
	})
}

// Validator returns the shared validator with the custom tags registered.
func Validator() *validator.Validate {
	return validate
}

// DeployConfig is the per-deployment configuration file.
type DeployConfig struct {
	ContainerName          string            `yaml:"containerName" json:"containerName" validate:"required,containername"`
	ImagePort              int               `yaml:"imagePort" json:"imagePort" validate:"required,min=1,max=65535"`
	HostPort               int               `yaml:"hostPort" json:"hostPort" validate:"required,min=1,max=65535"`
	NetworkName            string            `yaml:"networkName" json:"networkName" validate:"omitempty,containername"`
	HealthCheckPath        string            `yaml:"healthCheckPath" json:"healthCheckPath" validate:"omitempty,startswith=/,max=1024"`
	HealthCheckTimeoutSec  int               `yaml:"healthCheckTimeoutSec" json:"healthCheckTimeoutSec" validate:"min=0,max=3600"`
	HealthCheckIntervalSec int               `yaml:"healthCheckIntervalSec" json:"healthCheckIntervalSec" validate:"min=0,max=300"`
	MaxStepRetries         int               `yaml:"maxStepRetries" json:"maxStepRetries" validate:"min=0,max=20"`
	StepTimeoutSec         int               `yaml:"stepTimeoutSec" json:"stepTimeoutSec" validate:"min=0,max=3600"`
	DeploymentTimeoutSec   int               `yaml:"deploymentTimeoutSec" json:"deploymentTimeoutSec" validate:"min=0,max=86400"`
	RetryBackoffMs         int               `yaml:"retryBackoffMs" json:"retryBackoffMs" validate:"min=0,max=60000"`
	RestoreAttempts        int               `yaml:"restoreAttempts" json:"restoreAttempts" validate:"min=0,max=5"`
	RestartPolicy          string            `yaml:"restartPolicy" json:"restartPolicy" validate:"omitempty,oneof=no always unless-stopped on-failure"`
	Env                    map[string]string `yaml:"env" json:"env" validate:"omitempty,dive,keys,envkey,endkeys"`
	RegistryCredential     string            `yaml:"registryCredential" json:"registryCredential"`
}

// LoadDeployConfig reads, validates and defaults the YAML file at path.
func LoadDeployConfig(path string) (*DeployConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deploy config: %w", err)
	}
	cfg, err := ParseDeployConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseDeployConfig decodes YAML, rejecting unknown keys.
func ParseDeployConfig(data []byte) (*DeployConfig, error) {
	var cfg DeployConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode deploy config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Validate checks field constraints.
func (c *DeployConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *DeployConfig) ApplyDefaults() {
	if c.NetworkName == "" {
		c.NetworkName = c.ContainerName + "-net"
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = "/"
	}
	if c.HealthCheckTimeoutSec == 0 {
		c.HealthCheckTimeoutSec = 30
	}
	if c.HealthCheckIntervalSec == 0 {
		c.HealthCheckIntervalSec = 2
	}
	if c.MaxStepRetries == 0 {
		c.MaxStepRetries = 3
	}
	if c.StepTimeoutSec == 0 {
		c.StepTimeoutSec = 120
	}
	if c.DeploymentTimeoutSec == 0 {
		c.DeploymentTimeoutSec = 900
	}
	if c.RetryBackoffMs == 0 {
		c.RetryBackoffMs = 2000
	}
	if c.RestoreAttempts == 0 {
		c.RestoreAttempts = 2
	}
	if c.RestartPolicy == "" {
		c.RestartPolicy = "unless-stopped"
	}
}

func (c *DeployConfig) HealthCheckTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeoutSec) * time.Second
}

func (c *DeployConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

func (c *DeployConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSec) * time.Second
}

func (c *DeployConfig) DeploymentTimeout() time.Duration {
	return time.Duration(c.DeploymentTimeoutSec) * time.Second
}

func (c *DeployConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}
