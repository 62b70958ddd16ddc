// Package config implements TOML configuration loading and validation for
// crmsync. A config file describes the target-platform connection, the queue
// runtime tuning, and one or more CRM integrations with their pagination
// strategy and worker limits.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Database     DatabaseConfig               `toml:"database"`
	Target       TargetConfig                 `toml:"target"`
	Queue        QueueConfig                  `toml:"queue"`
	Logging      LoggingConfig                `toml:"logging"`
	Integrations map[string]IntegrationConfig `toml:"integration"`
}

// DatabaseConfig locates the SQLite state database.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// TargetConfig describes the communications-platform API the engine syncs
// contacts and activities into.
type TargetConfig struct {
	BaseURL string `toml:"base_url"`
	// TokenPath points at a JSON file containing the OAuth token. Token
	// acquisition flows live outside this program.
	TokenPath string `toml:"token_path"`
	UserAgent string `toml:"user_agent"`
}

// QueueConfig tunes the task queue runtime shared by all integrations.
type QueueConfig struct {
	// MaxAttempts is the delivery count after which a message is dead-lettered.
	MaxAttempts int `toml:"max_attempts"`
	// RetryDelay is the pause before a failed message is redelivered.
	RetryDelay string `toml:"retry_delay"`
}

// PaginationStrategy selects how a vendor API is paged through.
type PaginationStrategy string

// Pagination strategies. Page-based vendors return a total record count up
// front; cursor-based vendors return only an opaque next-cursor.
const (
	StrategyPage   PaginationStrategy = "page"
	StrategyCursor PaginationStrategy = "cursor"
)

// IntegrationConfig describes one CRM integration. The map key in the config
// file is the integration id.
type IntegrationConfig struct {
	Vendor string `toml:"vendor"`
	// BaseURL is the vendor API root, e.g. "https://api.example-crm.com".
	BaseURL string `toml:"base_url"`
	// APIKeyPath points at a file containing the vendor API key.
	APIKeyPath      string             `toml:"api_key_path"`
	Strategy        PaginationStrategy `toml:"strategy"`
	ObjectTypes     []string           `toml:"object_types"`
	InitialPageSize int                `toml:"initial_page_size"`
	OngoingPageSize int                `toml:"ongoing_page_size"`
	// Workers bounds concurrent task execution for this integration.
	Workers int `toml:"workers"`
	// MaxInFlight bounds messages handed to the dispatcher at once.
	MaxInFlight int `toml:"max_in_flight"`
	// EventStreamURL, when set, enables the realtime websocket listener.
	EventStreamURL string `toml:"event_stream_url"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Defaults applied when the config file omits a value.
const (
	defaultInitialPageSize = 100
	defaultOngoingPageSize = 50
	defaultWorkers         = 8
	defaultMaxInFlight     = 64
	defaultMaxAttempts     = 3
	defaultRetryDelay      = "30s"
	defaultDatabasePath    = "crmsync.db"
	defaultUserAgent       = "crmsync"
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: defaultDatabasePath},
		Target:   TargetConfig{UserAgent: defaultUserAgent},
		Queue: QueueConfig{
			MaxAttempts: defaultMaxAttempts,
			RetryDelay:  defaultRetryDelay,
		},
		Logging:      LoggingConfig{LogLevel: "info", LogFormat: "auto"},
		Integrations: make(map[string]IntegrationConfig),
	}
}

// ApplyIntegrationDefaults fills zero-valued tuning fields on an
// IntegrationConfig. Called after decode so the config file only needs to
// state what differs from the defaults.
func ApplyIntegrationDefaults(ic *IntegrationConfig) {
	if ic.InitialPageSize == 0 {
		ic.InitialPageSize = defaultInitialPageSize
	}

	if ic.OngoingPageSize == 0 {
		ic.OngoingPageSize = defaultOngoingPageSize
	}

	if ic.Workers == 0 {
		ic.Workers = defaultWorkers
	}

	if ic.MaxInFlight == 0 {
		ic.MaxInFlight = defaultMaxInFlight
	}

	if ic.Strategy == "" {
		ic.Strategy = StrategyPage
	}

	if len(ic.ObjectTypes) == 0 {
		ic.ObjectTypes = []string{"person"}
	}
}
