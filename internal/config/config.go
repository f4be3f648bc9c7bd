package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read from the environment.
type Config struct {
	ServiceName       string
	LogLevel          string
	HTTPListenAddr    string
	MetricsListenAddr string
	// APIToken authenticates callers of the deployd trigger API.
	APIToken string

	HTTPTLSCert     string
	HTTPTLSKey      string
	HTTPTLSClientCA string

	SSHKnownHosts            string
	SSHInsecureIgnoreHostKey bool
	SSHDialTimeout           time.Duration
	DefaultSSHUser           string
	DefaultSSHCredential     string

	HistoryFile        string
	HistoryDatabaseURL string
	HistoryS3Endpoint  string
	HistoryS3Bucket    string
	HistoryS3Region    string
	HistoryS3AccessKey string
	HistoryS3SecretKey string
	HistoryS3Prefix    string
}

func Load() (*Config, error) {
	dialTimeout, err := time.ParseDuration(getEnv("SSH_DIAL_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("parse SSH_DIAL_TIMEOUT: %w", err)
	}
	insecure, err := strconv.ParseBool(getEnv("SSH_INSECURE_IGNORE_HOST_KEY", "false"))
	if err != nil {
		return nil, fmt.Errorf("parse SSH_INSECURE_IGNORE_HOST_KEY: %w", err)
	}

	cfg := &Config{
		ServiceName:       getEnv("SERVICE_NAME", "rollout"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9100"),
		APIToken:          getEnv("API_TOKEN", ""),

		HTTPTLSCert:     getEnv("HTTP_TLS_CERT", ""),
		HTTPTLSKey:      getEnv("HTTP_TLS_KEY", ""),
		HTTPTLSClientCA: getEnv("HTTP_TLS_CLIENT_CA", ""),

		SSHKnownHosts:            getEnv("SSH_KNOWN_HOSTS", ""),
		SSHInsecureIgnoreHostKey: insecure,
		SSHDialTimeout:           dialTimeout,
		DefaultSSHUser:           getEnv("SSH_USER", "deploy"),
		DefaultSSHCredential:     getEnv("SSH_CREDENTIAL", ""),

		HistoryFile:        getEnv("HISTORY_FILE", ""),
		HistoryDatabaseURL: getEnv("HISTORY_DATABASE_URL", ""),
		HistoryS3Endpoint:  getEnv("HISTORY_S3_ENDPOINT", ""),
		HistoryS3Bucket:    getEnv("HISTORY_S3_BUCKET", ""),
		HistoryS3Region:    getEnv("HISTORY_S3_REGION", "us-east-1"),
		HistoryS3AccessKey: getEnv("HISTORY_S3_ACCESS_KEY", ""),
		HistoryS3SecretKey: getEnv("HISTORY_S3_SECRET_KEY", ""),
		HistoryS3Prefix:    getEnv("HISTORY_S3_PREFIX", "deployments"),
	}

	return cfg, nil
}

// Validate reports every missing setting the component needs in one error.
// Components are "deploy" (the CLI) and "deployd" (the daemon).
func (c *Config) Validate(component string) error {
	var missing []string
	if c.SSHKnownHosts == "" && !c.SSHInsecureIgnoreHostKey {
		missing = append(missing, "SSH_KNOWN_HOSTS")
	}
	if c.HistoryS3Bucket != "" {
		if c.HistoryS3AccessKey == "" {
			missing = append(missing, "HISTORY_S3_ACCESS_KEY")
		}
		if c.HistoryS3SecretKey == "" {
			missing = append(missing, "HISTORY_S3_SECRET_KEY")
		}
	}

	switch component {
	case "deploy":
	case "deployd":
		if c.HTTPListenAddr == "" {
			missing = append(missing, "HTTP_LISTEN_ADDR")
		}
		if c.APIToken == "" {
			missing = append(missing, "API_TOKEN")
		}
	default:
		return fmt.Errorf("unknown component %q", component)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config for %s: %s", component, strings.Join(missing, ", "))
	}
	if (c.HTTPTLSCert == "") != (c.HTTPTLSKey == "") {
		return fmt.Errorf("HTTP_TLS_CERT and HTTP_TLS_KEY must both be set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
