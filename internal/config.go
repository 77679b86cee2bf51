package internal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"npmmirror/pkg/storage"

	"gopkg.in/yaml.v3"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	Server  ServerConfig   `yaml:"server"`
	GitHub  GitHubConfig   `yaml:"github"`
	GitLab  GitLabConfig   `yaml:"gitlab"`
	Sync    SyncConfig     `yaml:"sync"`
	Storage storage.Config `yaml:"storage"`
	Fetch   FetchConfig    `yaml:"fetch"`
	// Watermill holds configuration for event publishers and the worker subscriber.
	Watermill WatermillConfig `yaml:"watermill"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// Config represents the application configuration including rules.
type Config struct {
	AppConfig   `yaml:",inline"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

// ServerConfig holds the HTTP façade settings.
type ServerConfig struct {
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
	WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
	ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	RateLimitRPS   int64  `yaml:"rate_limit_rps"`
	RateLimitBurst int64  `yaml:"rate_limit_burst"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path"`
	// ArtifactRoot holds tarball/<name>/<version>.tgz.
	ArtifactRoot string `yaml:"artifact_root"`
	// PublicURL prefixes dist.tarball in served documents.
	PublicURL string `yaml:"public_url"`
}

// GitHubConfig holds GitHub credentials and webhook settings.
type GitHubConfig struct {
	Token          string `yaml:"token"`
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	InstallationID int64  `yaml:"installation_id"`
	BaseURL        string `yaml:"base_url"`
	WebhookPath    string `yaml:"webhook_path"`
	WebhookSecret  string `yaml:"webhook_secret"`
}

// GitLabConfig holds GitLab credentials and webhook settings.
type GitLabConfig struct {
	Token         string `yaml:"token"`
	BaseURL       string `yaml:"base_url"`
	WebhookPath   string `yaml:"webhook_path"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// SyncConfig drives the synchronization engine.
type SyncConfig struct {
	// Provider is "github" or "gitlab".
	Provider string `yaml:"provider"`
	// Repositories is the allow-list; empty syncs every accessible repository.
	Repositories    []string `yaml:"repositories"`
	Scope           string   `yaml:"scope"`
	ManifestPath    string   `yaml:"manifest_path"`
	Concurrency     int      `yaml:"concurrency"`
	PageSize        int      `yaml:"page_size"`
	ArchiveFormat   string   `yaml:"archive_format"`
	WatermarkPolicy string   `yaml:"watermark_policy"`
	// OnStart runs a full sync in the background when serve starts.
	OnStart bool `yaml:"on_start"`
	// Dispatch is "local" to run triggered syncs in the serve process, or
	// "publish" to hand them to workers through sync.requested.
	Dispatch string `yaml:"dispatch"`
}

// FetchConfig tunes tarball downloads.
type FetchConfig struct {
	MaxRetries       int    `yaml:"max_retries"`
	BaseDelayMS      int64  `yaml:"base_delay_ms"`
	TimeoutMS        int64  `yaml:"timeout_ms"`
	UserAgent        string `yaml:"user_agent"`
	BreakerThreshold int64  `yaml:"breaker_threshold"`
}

// WorkerConfig configures remote sync consumers.
type WorkerConfig struct {
	Topic       string      `yaml:"topic"`
	Driver      string      `yaml:"driver"`
	Concurrency int         `yaml:"concurrency"`
	River       RiverConfig `yaml:"river"`
}

// RiverConfig configures the River job client used by worker --river.
type RiverConfig struct {
	DSN        string `yaml:"dsn"`
	Queue      string `yaml:"queue"`
	MaxWorkers int    `yaml:"max_workers"`
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver     string           `yaml:"driver"`
	Drivers    []string         `yaml:"drivers"`
	GoChannel  GoChannelConfig  `yaml:"gochannel"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	NATS       NATSConfig       `yaml:"nats"`
	AMQP       AMQPConfig       `yaml:"amqp"`
	SQL        SQLConfig        `yaml:"sql"`
	HTTP       HTTPConfig       `yaml:"http"`
	RiverQueue RiverQueueConfig `yaml:"riverqueue"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// NATSConfig holds configuration for the NATS streaming pub/sub.
type NATSConfig struct {
	ClusterID   string `yaml:"cluster_id"`
	ClientID    string `yaml:"client_id"`
	URL         string `yaml:"url"`
	QueueGroup  string `yaml:"queue_group"`
	DurableName string `yaml:"durable_name"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
	ConsumerGroup        string `yaml:"consumer_group"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the RiverQueue publisher.
type RiverQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

// LoadConfig loads the full application configuration, including rules, from a YAML file.
// It expands environment variables, applies defaults, normalizes rules and validates.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg.AppConfig)
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized
	if err := Validate(cfg.AppConfig); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RulesConfig represents the rule-specific parts of the configuration.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
}

// RulesConfig returns the rule section of cfg.
func (c Config) RulesConfig() RulesConfig {
	return RulesConfig{Rules: c.Rules, Strict: c.RulesStrict}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 30000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/-/metrics"
	}
	if cfg.Server.ArtifactRoot == "" {
		cfg.Server.ArtifactRoot = "./data"
	}
	if cfg.GitHub.WebhookPath == "" {
		cfg.GitHub.WebhookPath = "/webhooks/github"
	}
	if cfg.GitLab.WebhookPath == "" {
		cfg.GitLab.WebhookPath = "/webhooks/gitlab"
	}
	cfg.Sync.Provider = strings.ToLower(strings.TrimSpace(cfg.Sync.Provider))
	if cfg.Sync.Provider == "" {
		cfg.Sync.Provider = "github"
	}
	if cfg.Sync.ManifestPath == "" {
		cfg.Sync.ManifestPath = "package.json"
	}
	if cfg.Sync.Concurrency == 0 {
		cfg.Sync.Concurrency = 5
	}
	if cfg.Sync.PageSize == 0 {
		cfg.Sync.PageSize = 100
	}
	if cfg.Sync.ArchiveFormat == "" {
		cfg.Sync.ArchiveFormat = "tarball"
	}
	if cfg.Sync.WatermarkPolicy == "" {
		cfg.Sync.WatermarkPolicy = "materialized"
	}
	if cfg.Sync.Dispatch == "" {
		cfg.Sync.Dispatch = "local"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.AutoMigrate = true
	}
	if cfg.Storage.DSN == "" && storage.NormalizeDriver(cfg.Storage.Driver) == "sqlite" {
		cfg.Storage.DSN = "npmmirror.db"
	}
	if cfg.Fetch.MaxRetries == 0 {
		cfg.Fetch.MaxRetries = 5
	}
	if cfg.Fetch.BaseDelayMS == 0 {
		cfg.Fetch.BaseDelayMS = 50
	}
	if cfg.Fetch.TimeoutMS == 0 {
		cfg.Fetch.TimeoutMS = 120000
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = "npmmirror"
	}
	if cfg.Fetch.BreakerThreshold == 0 {
		cfg.Fetch.BreakerThreshold = 5
	}
	if cfg.Watermill.Driver == "" {
		cfg.Watermill.Driver = "gochannel"
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Watermill.HTTP.Mode == "" {
		cfg.Watermill.HTTP.Mode = "topic_url"
	}
	if cfg.Watermill.Kafka.ConsumerGroup == "" {
		cfg.Watermill.Kafka.ConsumerGroup = "npmmirror"
	}
	if cfg.Watermill.RiverQueue.Table == "" {
		cfg.Watermill.RiverQueue.Table = "river_job"
	}
	if cfg.Watermill.RiverQueue.Queue == "" {
		cfg.Watermill.RiverQueue.Queue = "default"
	}
	if cfg.Watermill.RiverQueue.Kind == "" {
		cfg.Watermill.RiverQueue.Kind = "npmmirror.sync"
	}
	if cfg.Watermill.RiverQueue.MaxAttempts == 0 {
		cfg.Watermill.RiverQueue.MaxAttempts = 25
	}
	if cfg.Worker.Topic == "" {
		cfg.Worker.Topic = TopicSyncRequested
	}
	if cfg.Worker.Driver == "" {
		cfg.Worker.Driver = cfg.Watermill.Driver
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.River.Queue == "" {
		cfg.Worker.River.Queue = cfg.Watermill.RiverQueue.Queue
	}
	if cfg.Worker.River.MaxWorkers == 0 {
		cfg.Worker.River.MaxWorkers = 2
	}
}

// Validate reports configuration errors that must stop the process at start.
func Validate(cfg AppConfig) error {
	var errs []error
	switch cfg.Sync.Provider {
	case "github":
		app := cfg.GitHub.AppID != 0 || cfg.GitHub.PrivateKeyPath != "" || cfg.GitHub.InstallationID != 0
		switch {
		case app && (cfg.GitHub.AppID == 0 || cfg.GitHub.PrivateKeyPath == "" || cfg.GitHub.InstallationID == 0):
			errs = append(errs, errors.New("github app requires app_id, private_key_path and installation_id"))
		case !app && cfg.GitHub.Token == "":
			errs = append(errs, errors.New("github token or app credentials are required"))
		}
	case "gitlab":
		if cfg.GitLab.Token == "" {
			errs = append(errs, errors.New("gitlab token is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported sync provider %q", cfg.Sync.Provider))
	}
	if cfg.Sync.Scope != "" && !strings.HasPrefix(cfg.Sync.Scope, "@") {
		errs = append(errs, fmt.Errorf("sync scope %q must start with @", cfg.Sync.Scope))
	}
	for _, repo := range cfg.Sync.Repositories {
		idx := strings.LastIndex(repo, "/")
		if idx <= 0 || idx == len(repo)-1 {
			errs = append(errs, fmt.Errorf("repository %q must be owner/name", repo))
		}
	}
	switch cfg.Sync.WatermarkPolicy {
	case "page", "materialized":
	default:
		errs = append(errs, fmt.Errorf("unsupported watermark policy %q", cfg.Sync.WatermarkPolicy))
	}
	switch cfg.Sync.Dispatch {
	case "local", "publish":
	default:
		errs = append(errs, fmt.Errorf("unsupported sync dispatch %q", cfg.Sync.Dispatch))
	}
	if storage.NormalizeDriver(cfg.Storage.Driver) == "" {
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver))
	}
	if cfg.Sync.Concurrency < 0 || cfg.Sync.PageSize < 0 {
		errs = append(errs, errors.New("sync concurrency and page_size must be positive"))
	}
	return errors.Join(errs...)
}

// Duration converts a millisecond setting.
func Duration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		rule.Repository = strings.TrimSpace(rule.Repository)
		if rule.When == "" {
			return nil, fmt.Errorf("rule %d is missing when", i)
		}
		if rule.Repository != "" && !strings.HasPrefix(rule.Repository, "$") {
			return nil, fmt.Errorf("rule %d repository must be a JSONPath starting with $", i)
		}
		out = append(out, rule)
	}
	return out, nil
}
