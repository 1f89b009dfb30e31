// Package config handles loading and parsing of rfstore configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a container.
type Config struct {
	Container     ContainerConfig     `yaml:"container"`
	Limits        LimitsConfig        `yaml:"limits"`
	Operation     OperationConfig     `yaml:"operation"`
	Storage       StorageConfig       `yaml:"storage"`
	Database      DatabaseConfig      `yaml:"database"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ContainerConfig identifies the container a process works against.
type ContainerConfig struct {
	// ID names the blob store bucket (or container) holding assets.
	ID string `yaml:"id"`
	// DatabaseID names the indexed database table. Empty means records are
	// plain assets.
	DatabaseID string `yaml:"database_id"`
	Region     string `yaml:"region"`
	// TempDir receives downloaded assets. Empty means os.TempDir().
	TempDir string `yaml:"temp_dir"`
}

// LimitsConfig holds transfer limits.
type LimitsConfig struct {
	MaxConcurrentTransfers  int   `yaml:"max_concurrent_transfers"`
	MultipartThresholdBytes int64 `yaml:"multipart_threshold_bytes"`
	MultipartPartSizeBytes  int64 `yaml:"multipart_part_size_bytes"`
	ResultsPageSize         int   `yaml:"results_page_size"`
}

// OperationConfig holds the default operation configuration.
type OperationConfig struct {
	AllowsCellularAccess bool          `yaml:"allows_cellular_access"`
	LongLived            bool          `yaml:"long_lived"`
	QualityOfService     string        `yaml:"quality_of_service"`
	TimeoutForRequest    time.Duration `yaml:"timeout_for_request"`
	TimeoutForResource   time.Duration `yaml:"timeout_for_resource"`
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	// Backend is one of "aws", "gcp", "azure", "local", "sqlite" or "memory".
	Backend string             `yaml:"backend"`
	AWS     AWSStorageConfig   `yaml:"aws"`
	GCP     GCPStorageConfig   `yaml:"gcp"`
	Azure   AzureStorageConfig `yaml:"azure"`
	Local   LocalConfig        `yaml:"local"`
	SQLite  SQLiteConfig       `yaml:"sqlite"`
	Memory  MemoryConfig       `yaml:"memory"`
}

// AWSStorageConfig holds S3 settings. The bucket is the container ID.
type AWSStorageConfig struct {
	Prefix       string `yaml:"prefix"`
	EndpointURL  string `yaml:"endpoint_url"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// GCPStorageConfig holds Cloud Storage settings.
type GCPStorageConfig struct {
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureStorageConfig holds Azure Blob Storage settings.
type AzureStorageConfig struct {
	// Account is used to construct the account URL when AccountURL is empty:
	// https://{account}.blob.core.windows.net
	Account            string `yaml:"account"`
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// URL returns the storage account URL.
func (c AzureStorageConfig) URL() string {
	if c.AccountURL != "" {
		return c.AccountURL
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", c.Account)
}

// LocalConfig holds local filesystem storage backend settings.
type LocalConfig struct {
	// RootDir is the base directory for local asset storage.
	RootDir string `yaml:"root_dir"`
}

// SQLiteConfig holds the path of a SQLite database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MemoryConfig bounds the in-memory blob store. Zero means unlimited.
type MemoryConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// DatabaseConfig selects and configures the indexed database.
type DatabaseConfig struct {
	// Engine is one of "dynamodb", "sqlite", "firestore", "cosmos",
	// "local", "memory" or "none".
	Engine    string          `yaml:"engine"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
	Local     LocalMetaConfig `yaml:"local"`
}

// LocalMetaConfig holds settings for the JSONL journal engine. Each table
// is one file named after the database ID.
type LocalMetaConfig struct {
	RootDir          string `yaml:"root_dir"`
	CompactOnStartup bool   `yaml:"compact_on_startup"`
}

// DynamoDBConfig holds DynamoDB settings. The table is the database ID.
type DynamoDBConfig struct {
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore settings. The collection is the database
// ID.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Cosmos DB settings. The container is the database ID.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
}

// CredentialsConfig holds static credentials. Empty keys fall back to the
// default provider chain.
type CredentialsConfig struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	// Identity names the caller for logging and record ownership.
	Identity string `yaml:"identity"`
}

// SubscriptionsConfig enables push notification subscriptions.
type SubscriptionsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	EndpointURL string `yaml:"endpoint_url"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// Regions lists the regions a container may live in.
var Regions = []string{
	"us-east-1",
	"us-east-2",
	"us-west-1",
	"us-west-2",
	"eu-west-1",
	"eu-west-2",
	"eu-west-3",
	"eu-central-1",
	"ap-southeast-1",
	"ap-southeast-2",
	"ap-northeast-1",
	"ap-northeast-2",
	"ap-south-1",
	"sa-east-1",
	"cn-north-1",
	"ca-central-1",
	"us-gov-west-1",
	"cn-northwest-1",
}

var (
	storageBackends  = []string{"aws", "gcp", "azure", "local", "sqlite", "memory"}
	databaseEngines  = []string{"dynamodb", "sqlite", "firestore", "cosmos", "local", "memory", "none"}
	qualityOfService = []string{"default", "user_interactive", "user_initiated", "utility", "background"}
)

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to rfstore.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "rfstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "rfstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Container: ContainerConfig{
			ID:     "rfstore",
			Region: "us-east-1",
		},
		Limits: LimitsConfig{
			MaxConcurrentTransfers:  75,
			MultipartThresholdBytes: 256_000_000,
			MultipartPartSizeBytes:  64 << 20,
			ResultsPageSize:         1000,
		},
		Operation: OperationConfig{
			AllowsCellularAccess: true,
			QualityOfService:     "default",
			TimeoutForRequest:    60 * time.Second,
			TimeoutForResource:   7 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalConfig{RootDir: "./data/assets"},
			SQLite:  SQLiteConfig{Path: "./data/assets.db"},
		},
		Database: DatabaseConfig{
			Engine: "none",
			SQLite: SQLiteConfig{Path: "./data/records.db"},
			Local:  LocalMetaConfig{RootDir: "./data/records"},
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Container.ID == "" {
		cfg.Container.ID = def.Container.ID
	}
	if cfg.Container.Region == "" {
		cfg.Container.Region = def.Container.Region
	}
	if cfg.Limits.MaxConcurrentTransfers <= 0 {
		cfg.Limits.MaxConcurrentTransfers = def.Limits.MaxConcurrentTransfers
	}
	if cfg.Limits.MultipartThresholdBytes <= 0 {
		cfg.Limits.MultipartThresholdBytes = def.Limits.MultipartThresholdBytes
	}
	if cfg.Limits.MultipartPartSizeBytes <= 0 {
		cfg.Limits.MultipartPartSizeBytes = def.Limits.MultipartPartSizeBytes
	}
	if cfg.Limits.ResultsPageSize <= 0 {
		cfg.Limits.ResultsPageSize = def.Limits.ResultsPageSize
	}
	if cfg.Operation.QualityOfService == "" {
		cfg.Operation.QualityOfService = def.Operation.QualityOfService
	}
	if cfg.Operation.TimeoutForRequest <= 0 {
		cfg.Operation.TimeoutForRequest = def.Operation.TimeoutForRequest
	}
	if cfg.Operation.TimeoutForResource <= 0 {
		cfg.Operation.TimeoutForResource = def.Operation.TimeoutForResource
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = def.Storage.Local.RootDir
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = def.Storage.SQLite.Path
	}
	if cfg.Database.Engine == "" {
		cfg.Database.Engine = def.Database.Engine
	}
	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = def.Database.SQLite.Path
	}
	if cfg.Database.Local.RootDir == "" {
		cfg.Database.Local.RootDir = def.Database.Local.RootDir
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}

// Validate reports every inconsistency in cfg.
func (cfg *Config) Validate() error {
	var errs []error
	if !slices.Contains(Regions, cfg.Container.Region) {
		errs = append(errs, fmt.Errorf("unknown region %q", cfg.Container.Region))
	}
	if !slices.Contains(storageBackends, cfg.Storage.Backend) {
		errs = append(errs, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend))
	}
	if !slices.Contains(databaseEngines, cfg.Database.Engine) {
		errs = append(errs, fmt.Errorf("unknown database engine %q", cfg.Database.Engine))
	}
	if cfg.Container.DatabaseID != "" && cfg.Database.Engine == "none" {
		errs = append(errs, errors.New("container.database_id is set but database.engine is none"))
	}
	if !slices.Contains(qualityOfService, cfg.Operation.QualityOfService) {
		errs = append(errs, fmt.Errorf("unknown quality of service %q", cfg.Operation.QualityOfService))
	}
	if cfg.Limits.MultipartPartSizeBytes < 5<<20 {
		errs = append(errs, fmt.Errorf("multipart_part_size_bytes %d is below the 5 MiB minimum", cfg.Limits.MultipartPartSizeBytes))
	}
	if cfg.Storage.Backend == "azure" && cfg.Storage.Azure.ConnectionString == "" &&
		cfg.Storage.Azure.Account == "" && cfg.Storage.Azure.AccountURL == "" {
		errs = append(errs, errors.New("storage.azure needs a connection string, account or account_url"))
	}
	if cfg.Database.Engine == "cosmos" && cfg.Database.Cosmos.Database == "" {
		errs = append(errs, errors.New("database.cosmos.database is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
