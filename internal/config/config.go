// Package config loads and validates the agent's environment-variable configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the agent.
type Config struct {
	Queue      QueueConfig      `mapstructure:"queue"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	CloudStack CloudStackConfig `mapstructure:"cloudstack"`
	CustomS3   CustomS3Config   `mapstructure:"custom_s3"`
	Features   FeatureConfig    `mapstructure:"features"`
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
}

// QueueConfig holds the queue substrate connection and topology.
type QueueConfig struct {
	ConnectionString   string `mapstructure:"connection_string"`
	ControlPlaneQueue  string `mapstructure:"control_plane_queue"`
	DataPlaneQueue     string `mapstructure:"data_plane_queue"`
	MetricsQueue       string `mapstructure:"metrics_queue"`
	MaxReadCt          int    `mapstructure:"max_read_ct"`
}

// ClusterConfig holds cluster-facing defaults.
type ClusterConfig struct {
	BaseDomain       string `mapstructure:"base_domain"`
	StorageClassName string `mapstructure:"storage_class_name"`
}

// CloudStackConfig holds the CloudFormation-style provisioning configuration.
type CloudStackConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Region                string `mapstructure:"region"`
	BackupArchiveBucket   string `mapstructure:"backup_archive_bucket"`
	StorageArchiveBucket  string `mapstructure:"storage_archive_bucket"`
	TemplateBucket        string `mapstructure:"template_bucket"`
	LoadBalancerPublic    bool   `mapstructure:"loadbalancer_public"`
}

// CustomS3Config holds the custom-S3 backup target configuration.
type CustomS3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// FeatureConfig toggles the agent's supervised workers.
type FeatureConfig struct {
	ConductorEnabled       bool `mapstructure:"conductor_enabled"`
	WatcherEnabled         bool `mapstructure:"watcher_enabled"`
	MetricsReporterEnabled bool `mapstructure:"metrics_reporter_enabled"`
}

// ServerConfig holds the HTTP liveness/metrics surface configuration.
type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// RedisConfig holds the status-reporter de-dupe cache connection. Optional:
// an empty Addr disables the cache and the status reporter republishes
// every tracked namespace's status on every poll.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads configuration from the environment. No config file is consulted:
// this agent is deployed purely via env vars, per its operating contract.
func Load() (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnv("queue.connection_string", "POSTGRES_QUEUE_CONNECTION")
	bindEnv("queue.control_plane_queue", "CONTROL_PLANE_EVENTS_QUEUE")
	bindEnv("queue.data_plane_queue", "DATA_PLANE_EVENTS_QUEUE")
	bindEnv("queue.metrics_queue", "METRICS_EVENTS_QUEUE")
	bindEnv("queue.max_read_ct", "MAX_READ_CT")
	bindEnv("cluster.base_domain", "DATA_PLANE_BASEDOMAIN")
	bindEnv("cluster.storage_class_name", "STORAGE_CLASS_NAME")
	bindEnv("cloudstack.enabled", "IS_CLOUD_FORMATION")
	bindEnv("cloudstack.region", "AWS_REGION")
	bindEnv("cloudstack.backup_archive_bucket", "BACKUP_ARCHIVE_BUCKET")
	bindEnv("cloudstack.storage_archive_bucket", "STORAGE_ARCHIVE_BUCKET")
	bindEnv("cloudstack.template_bucket", "CF_TEMPLATE_BUCKET")
	bindEnv("cloudstack.loadbalancer_public", "IS_LOADBALANCER_PUBLIC")
	bindEnv("custom_s3.enabled", "IS_CUSTOM_S3_BACKUP")
	bindEnv("custom_s3.bucket", "CUSTOM_S3_BUCKET")
	bindEnv("custom_s3.endpoint", "CUSTOM_S3_ENDPOINT")
	bindEnv("custom_s3.access_key_id", "CUSTOM_S3_ACCESS_KEY_ID")
	bindEnv("custom_s3.secret_access_key", "CUSTOM_S3_SECRET_ACCESS_KEY")
	bindEnv("features.conductor_enabled", "CONDUCTOR_ENABLED")
	bindEnv("features.watcher_enabled", "WATCHER_ENABLED")
	bindEnv("features.metrics_reporter_enabled", "METRICS_REPORTER_ENABLED")
	bindEnv("server.port", "PORT")
	bindEnv("redis.addr", "REDIS_ADDR")
	bindEnv("redis.password", "REDIS_PASSWORD")
	bindEnv("redis.db", "REDIS_DB")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for name, val := range map[string]string{
		"POSTGRES_QUEUE_CONNECTION": cfg.Queue.ConnectionString,
		"CONTROL_PLANE_EVENTS_QUEUE": cfg.Queue.ControlPlaneQueue,
		"DATA_PLANE_EVENTS_QUEUE":   cfg.Queue.DataPlaneQueue,
		"METRICS_EVENTS_QUEUE":      cfg.Queue.MetricsQueue,
		"DATA_PLANE_BASEDOMAIN":     cfg.Cluster.BaseDomain,
		"BACKUP_ARCHIVE_BUCKET":     cfg.CloudStack.BackupArchiveBucket,
		"STORAGE_ARCHIVE_BUCKET":    cfg.CloudStack.StorageArchiveBucket,
	} {
		if val == "" {
			return nil, fmt.Errorf("%s must be set", name)
		}
	}

	return &cfg, nil
}

func bindEnv(key, env string) {
	_ = viper.BindEnv(key, env)
}

func setDefaults() {
	viper.SetDefault("queue.max_read_ct", 100)
	viper.SetDefault("cloudstack.enabled", true)
	viper.SetDefault("cloudstack.region", "us-east-1")
	viper.SetDefault("cloudstack.loadbalancer_public", true)
	viper.SetDefault("custom_s3.enabled", false)
	viper.SetDefault("cluster.storage_class_name", "")
	viper.SetDefault("features.conductor_enabled", true)
	viper.SetDefault("features.watcher_enabled", true)
	viper.SetDefault("features.metrics_reporter_enabled", false)
	viper.SetDefault("server.port", "8080")
}

// Validate enforces the agent's configuration invariants.
func (c *Config) Validate() error {
	if c.CloudStack.Enabled && c.CustomS3.Enabled {
		return fmt.Errorf("only one of IS_CLOUD_FORMATION or IS_CUSTOM_S3_BACKUP can be enabled")
	}
	if c.CloudStack.Enabled && c.CloudStack.TemplateBucket == "" {
		return fmt.Errorf("CF_TEMPLATE_BUCKET is required when IS_CLOUD_FORMATION is true")
	}
	if c.CustomS3.Enabled && c.CustomS3.Bucket == "" {
		return fmt.Errorf("CUSTOM_S3_BUCKET is required when IS_CUSTOM_S3_BACKUP is true")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	return nil
}
