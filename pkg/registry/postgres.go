package registry

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds the connection settings for the PostgreSQL store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PostgresStore keeps manifests in PostgreSQL for clustered deployments.
type PostgresStore struct {
	db *stdsql.DB
}

// NewPostgresStore opens a connection pool, applies pending migrations, and
// returns the store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.StorageUnavailable, err)
	}
	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.StorageUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection and applies
// migrations. Useful for tests.
func NewPostgresStoreFromDB(db *stdsql.DB, database string) (*PostgresStore, error) {
	if err := runMigrations(db, database); err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, err)
	}
	return &PostgresStore{db: db}, nil
}

func runMigrations(db *stdsql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	// Close only the source driver. m.Close() would also close the shared
	// *sql.DB handed to postgres.WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Get returns the manifest for (modelID, tenantID).
func (s *PostgresStore) Get(ctx context.Context, modelID, tenantID string) (*models.ModelManifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, version, artifacts, supported_devices, requirements, metadata
		FROM model_manifests
		WHERE tenant_id = $1 AND model_id = $2`,
		tenantID, modelID)

	m := &models.ModelManifest{ModelID: modelID, TenantID: tenantID}
	var artifacts, devices, requirements, metadata []byte
	err := row.Scan(&m.Name, &m.Version, &artifacts, &devices, &requirements, &metadata)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, errs.Newf(errs.ModelNotFound, "model %q not found for tenant %q", modelID, tenantID).
			With("model", modelID).
			With("tenant_id", tenantID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, err)
	}
	if err := unmarshalManifest(m, artifacts, devices, requirements, metadata); err != nil {
		return nil, err
	}
	return m, nil
}

// Put inserts or replaces a manifest.
func (s *PostgresStore) Put(ctx context.Context, manifest *models.ModelManifest) error {
	if manifest.ModelID == "" || manifest.TenantID == "" {
		return errs.Newf(errs.ValidationMissingField, "manifest requires model_id and tenant_id")
	}
	artifacts, devices, requirements, metadata, err := marshalManifest(manifest)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_manifests
			(tenant_id, model_id, name, version, artifacts, supported_devices, requirements, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (tenant_id, model_id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			artifacts = EXCLUDED.artifacts,
			supported_devices = EXCLUDED.supported_devices,
			requirements = EXCLUDED.requirements,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		manifest.TenantID, manifest.ModelID, manifest.Name, manifest.Version,
		artifacts, devices, requirements, metadata)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, err)
	}
	return nil
}

// Delete removes a manifest.
func (s *PostgresStore) Delete(ctx context.Context, modelID, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM model_manifests WHERE tenant_id = $1 AND model_id = $2`,
		tenantID, modelID)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.Newf(errs.ModelNotFound, "model %q not found for tenant %q", modelID, tenantID).
			With("model", modelID)
	}
	return nil
}

// List returns the tenant's manifests sorted by model id.
func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]*models.ModelManifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id, name, version, artifacts, supported_devices, requirements, metadata
		FROM model_manifests
		WHERE tenant_id = $1
		ORDER BY model_id`,
		tenantID)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, err)
	}
	defer rows.Close()

	out := make([]*models.ModelManifest, 0)
	for rows.Next() {
		m := &models.ModelManifest{TenantID: tenantID}
		var artifacts, devices, requirements, metadata []byte
		if err := rows.Scan(&m.ModelID, &m.Name, &m.Version, &artifacts, &devices, &requirements, &metadata); err != nil {
			return nil, errs.Wrap(errs.StorageUnavailable, err)
		}
		if err := unmarshalManifest(m, artifacts, devices, requirements, metadata); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, err)
	}
	return out, nil
}

func marshalManifest(m *models.ModelManifest) (artifacts, devices, requirements, metadata []byte, err error) {
	if artifacts, err = json.Marshal(m.Artifacts); err != nil {
		return nil, nil, nil, nil, errs.Wrap(errs.Internal, err)
	}
	if devices, err = json.Marshal(m.SupportedDevices); err != nil {
		return nil, nil, nil, nil, errs.Wrap(errs.Internal, err)
	}
	if requirements, err = json.Marshal(m.Requirements); err != nil {
		return nil, nil, nil, nil, errs.Wrap(errs.Internal, err)
	}
	if metadata, err = json.Marshal(m.Metadata); err != nil {
		return nil, nil, nil, nil, errs.Wrap(errs.Internal, err)
	}
	return artifacts, devices, requirements, metadata, nil
}

func unmarshalManifest(m *models.ModelManifest, artifacts, devices, requirements, metadata []byte) error {
	if err := json.Unmarshal(artifacts, &m.Artifacts); err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	if err := json.Unmarshal(devices, &m.SupportedDevices); err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	if err := json.Unmarshal(requirements, &m.Requirements); err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
	}
	return nil
}
