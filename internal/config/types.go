package config

// Config is the root configuration structure for ctrlscan-cache.
// Serialised to ~/.ctrlscan-cache/config.json.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"  json:"database"`
	Git       GitConfig       `mapstructure:"git"       json:"git"`
	Providers ProvidersConfig `mapstructure:"providers" json:"providers"`
	Scan      ScanConfig      `mapstructure:"scan"      json:"scan"`
	Tools     ToolsConfig     `mapstructure:"tools"     json:"tools"`
	Store     StoreConfig     `mapstructure:"store"     json:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"   json:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"    json:"notify"`
	Gateway   GatewayConfig   `mapstructure:"gateway"   json:"gateway"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"  json:"schedule"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`
}

// DatabaseConfig controls the SQL backend used by the sql store.
type DatabaseConfig struct {
	// Driver is "sqlite" (default), "mysql" or "postgres".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL or PostgreSQL data source name.
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// GitConfig holds credentials for each supported git hosting platform.
type GitConfig struct {
	GitHub  []GitHubConfig   `mapstructure:"github"  json:"github"`
	GitLab  []GitLabConfig   `mapstructure:"gitlab"  json:"gitlab"`
	Azure   []AzureConfig    `mapstructure:"azure"   json:"azure"`
	Generic GenericGitConfig `mapstructure:"generic" json:"generic"`
}

// GitHubConfig holds credentials for a single GitHub instance.
type GitHubConfig struct {
	Token string `mapstructure:"token" json:"token"`
	// Host allows enterprise GitHub (e.g. github.mycompany.com).
	Host string `mapstructure:"host"  json:"host"`
}

// GitLabConfig holds credentials for a single GitLab instance.
type GitLabConfig struct {
	Token string `mapstructure:"token" json:"token"`
	Host  string `mapstructure:"host"  json:"host"`
}

// AzureConfig holds credentials for an Azure DevOps organisation.
type AzureConfig struct {
	Token string `mapstructure:"token" json:"token"`
	Org   string `mapstructure:"org"   json:"org"`
	Host  string `mapstructure:"host"  json:"host"`
}

// GenericGitConfig controls the fallback provider that speaks plain git.
type GenericGitConfig struct {
	Disabled bool `mapstructure:"disabled" json:"disabled"`
	// Token is sent as HTTP basic auth password when set.
	Token string `mapstructure:"token"    json:"token"`
	// ProbeURL is listed during health checks when set.
	ProbeURL string `mapstructure:"probe_url" json:"probe_url"`
}

// ProvidersConfig tunes provider API usage.
type ProvidersConfig struct {
	// HealthTimeout bounds each provider's health check (Go duration string).
	HealthTimeout string `mapstructure:"health_timeout"      json:"health_timeout"`
	// RequestsPerSecond limits API calls per provider; 0 disables limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
}

// ScanConfig controls orchestration behaviour.
type ScanConfig struct {
	// Scanners lists which tools to run.
	Scanners []string `mapstructure:"scanners"          json:"scanners"`
	// ScannerTimeout bounds each scanner invocation (Go duration string).
	ScannerTimeout string `mapstructure:"scanner_timeout"   json:"scanner_timeout"`
	// BestEffort keeps a scan alive when an individual scanner fails.
	BestEffort bool `mapstructure:"best_effort"       json:"best_effort"`
	// RejectConcurrent rejects duplicate in-flight scans instead of sharing them.
	RejectConcurrent bool `mapstructure:"reject_concurrent" json:"reject_concurrent"`
	// ContextLines is the default window for scan/context requests.
	ContextLines int `mapstructure:"context_lines"     json:"context_lines"`
}

// ToolsConfig controls where scanner binaries live.
type ToolsConfig struct {
	// BinDir is the directory where scanner tools are installed.
	BinDir string `mapstructure:"bin_dir"       json:"bin_dir"`
	// PreferDocker forces docker execution even when local binaries are present.
	PreferDocker bool `mapstructure:"prefer_docker" json:"prefer_docker"`
}

// StoreConfig selects the scan store backend.
type StoreConfig struct {
	// Backend is "sql" (default) or "memory".
	Backend string `mapstructure:"backend"       json:"backend"`
	// HistoryLimit caps retained records per repository; 0 keeps everything.
	HistoryLimit int `mapstructure:"history_limit" json:"history_limit"`
}

// ArchiveConfig enables copying every stored record to S3-compatible storage.
type ArchiveConfig struct {
	Endpoint  string `mapstructure:"endpoint"   json:"endpoint"`
	Bucket    string `mapstructure:"bucket"     json:"bucket"`
	AccessKey string `mapstructure:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"    json:"use_ssl"`
}

// NotifyConfig controls outbound scan notifications.
type NotifyConfig struct {
	Webhook WebhookNotifyConfig `mapstructure:"webhook" json:"webhook"`
	Slack   SlackNotifyConfig   `mapstructure:"slack"   json:"slack"`
	Kafka   KafkaNotifyConfig   `mapstructure:"kafka"   json:"kafka"`
	// Events filters which event types are sent; empty sends all.
	Events []string `mapstructure:"events"  json:"events"`
	// Timeout bounds a single delivery (Go duration string).
	Timeout string `mapstructure:"timeout" json:"timeout"`
}

// WebhookNotifyConfig posts JSON payloads to a generic endpoint.
type WebhookNotifyConfig struct {
	URL    string `mapstructure:"url"    json:"url"`
	Secret string `mapstructure:"secret" json:"secret"`
}

// SlackNotifyConfig posts to a Slack incoming webhook.
type SlackNotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
}

// KafkaNotifyConfig publishes payloads to a Kafka topic.
type KafkaNotifyConfig struct {
	Brokers  []string `mapstructure:"brokers"   json:"brokers"`
	Topic    string   `mapstructure:"topic"     json:"topic"`
	ClientID string   `mapstructure:"client_id" json:"client_id"`
}

// GatewayConfig controls the HTTP daemon.
type GatewayConfig struct {
	// Port is the localhost HTTP port the gateway listens on (default: 6081).
	Port int `mapstructure:"port" json:"port"`
}

// ScheduleConfig controls periodic rescans of stale records.
type ScheduleConfig struct {
	// RescanCron is a robfig/cron expression; empty disables rescans.
	RescanCron string `mapstructure:"rescan_cron" json:"rescan_cron"`
	// MaxAge is the staleness threshold (Go duration string).
	MaxAge string `mapstructure:"max_age"     json:"max_age"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector address; empty disables export.
	Endpoint    string `mapstructure:"endpoint"     json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}
