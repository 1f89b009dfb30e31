package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/spf13/afero"

	"github.com/bleepstore/rfstore/internal/config"
	"github.com/bleepstore/rfstore/internal/credentials"
	"github.com/bleepstore/rfstore/internal/metadata"
	"github.com/bleepstore/rfstore/internal/storage"
	"github.com/bleepstore/rfstore/internal/task"
)

// OptionsFromConfig translates the limits and operation sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.MaxConcurrentTransfers = cfg.Limits.MaxConcurrentTransfers
	opts.MultipartThresholdBytes = cfg.Limits.MultipartThresholdBytes
	opts.MultipartPartSizeBytes = cfg.Limits.MultipartPartSizeBytes
	opts.ResultsPageSize = cfg.Limits.ResultsPageSize
	if cfg.Container.TempDir != "" {
		opts.TempDir = cfg.Container.TempDir
	}
	opts.Configuration = task.Configuration{
		AllowsCellularAccess: cfg.Operation.AllowsCellularAccess,
		IsLongLived:          cfg.Operation.LongLived,
		QualityOfService:     task.ParseQualityOfService(cfg.Operation.QualityOfService),
		TimeoutForRequest:    cfg.Operation.TimeoutForRequest,
		TimeoutForResource:   cfg.Operation.TimeoutForResource,
	}
	return opts
}

// FromConfig returns the container described by cfg. Its services are built
// on first use.
func FromConfig(cfg *config.Config) *Container {
	return New(cfg.Container.ID, cfg.Container.DatabaseID, OptionsFromConfig(cfg), ConfigFactory(cfg))
}

// ConfigFactory builds services from the storage, database, credentials and
// subscriptions sections of cfg.
func ConfigFactory(cfg *config.Config) ServiceFactory {
	return func(ctx context.Context) (*Services, error) {
		creds := credentials.NewProvider(cfg.Credentials)
		if err := creds.Validate(ctx); err != nil {
			return nil, err
		}

		blobs, err := newBlobStore(ctx, cfg, creds)
		if err != nil {
			return nil, fmt.Errorf("creating %s blob store: %w", cfg.Storage.Backend, err)
		}
		svc := &Services{Blobs: blobs, Credentials: creds}

		if cfg.Container.DatabaseID != "" {
			db, err := newIndexedDB(ctx, cfg, creds)
			if err != nil {
				return nil, fmt.Errorf("creating %s database: %w", cfg.Database.Engine, err)
			}
			svc.Database = db
		}

		if cfg.Subscriptions.Enabled {
			notifications, err := newNotificationClient(ctx, cfg, creds)
			if err != nil {
				return nil, fmt.Errorf("creating notification client: %w", err)
			}
			svc.Notifications = notifications
		}
		return svc, nil
	}
}

func newBlobStore(ctx context.Context, cfg *config.Config, creds *credentials.Provider) (storage.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "aws":
		return storage.NewS3Store(ctx, storage.S3Options{
			Bucket:       cfg.Container.ID,
			Region:       cfg.Container.Region,
			Prefix:       cfg.Storage.AWS.Prefix,
			EndpointURL:  cfg.Storage.AWS.EndpointURL,
			UsePathStyle: cfg.Storage.AWS.UsePathStyle,
			Credentials:  creds.AWS(),
		})
	case "gcp":
		return storage.NewGCSStore(ctx, storage.GCSOptions{
			Bucket:          cfg.Container.ID,
			Project:         cfg.Storage.GCP.Project,
			Prefix:          cfg.Storage.GCP.Prefix,
			CredentialsFile: cfg.Storage.GCP.CredentialsFile,
		})
	case "azure":
		return storage.NewAzureStore(ctx, storage.AzureOptions{
			Container:          cfg.Container.ID,
			AccountURL:         cfg.Storage.Azure.URL(),
			Prefix:             cfg.Storage.Azure.Prefix,
			ConnectionString:   cfg.Storage.Azure.ConnectionString,
			UseManagedIdentity: cfg.Storage.Azure.UseManagedIdentity,
		})
	case "local":
		local, err := storage.NewOSLocalStore(cfg.Storage.Local.RootDir)
		if err != nil {
			return nil, err
		}
		if err := local.CleanTempFiles(); err != nil {
			slog.Warn("failed to clean temp files", "root_dir", cfg.Storage.Local.RootDir, "error", err)
		}
		return local, nil
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.SQLite.Path)
	case "memory":
		return storage.NewMemoryStore(cfg.Storage.Memory.MaxSizeBytes), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func newIndexedDB(ctx context.Context, cfg *config.Config, creds *credentials.Provider) (metadata.IndexedDB, error) {
	table := cfg.Container.DatabaseID
	switch cfg.Database.Engine {
	case "dynamodb":
		return metadata.NewDynamoStore(ctx, metadata.DynamoOptions{
			Table:       table,
			Region:      cfg.Container.Region,
			EndpointURL: cfg.Database.DynamoDB.EndpointURL,
			Credentials: creds.AWS(),
		})
	case "sqlite":
		return metadata.NewSQLiteStore(cfg.Database.SQLite.Path, table)
	case "firestore":
		return metadata.NewFirestoreStore(ctx, metadata.FirestoreOptions{
			ProjectID:       cfg.Database.Firestore.ProjectID,
			CredentialsFile: cfg.Database.Firestore.CredentialsFile,
			Collection:      table,
		})
	case "cosmos":
		return metadata.NewCosmosStore(ctx, metadata.CosmosOptions{
			Endpoint:  cfg.Database.Cosmos.Endpoint,
			MasterKey: cfg.Database.Cosmos.MasterKey,
			Database:  cfg.Database.Cosmos.Database,
			Container: table,
		})
	case "local":
		return metadata.NewLocalStore(afero.NewOsFs(), metadata.LocalOptions{
			RootDir:          cfg.Database.Local.RootDir,
			Table:            table,
			CompactOnStartup: cfg.Database.Local.CompactOnStartup,
		})
	case "memory":
		return metadata.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("database engine %q cannot hold table %q", cfg.Database.Engine, table)
}

func newNotificationClient(ctx context.Context, cfg *config.Config, creds *credentials.Provider) (*sns.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Container.Region)}
	if p := creds.AWS(); p != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(p))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var snsOpts []func(*sns.Options)
	if cfg.Subscriptions.EndpointURL != "" {
		snsOpts = append(snsOpts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(cfg.Subscriptions.EndpointURL)
		})
	}
	slog.Info("notification client initialized", "region", cfg.Container.Region, "identity", creds.Identity())
	return sns.NewFromConfig(awsCfg, snsOpts...), nil
}
