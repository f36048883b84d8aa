package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/angelmondragon/packfinderz-client/pkg/config"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// ErrNotFound is returned when a key has no stored record.
var ErrNotFound = errors.New("record not found")

// KVRecord is one durable client key/value entry.
type KVRecord struct {
	Key       string    `gorm:"column:kv_key;primaryKey;size:191"`
	Value     string    `gorm:"column:kv_value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (KVRecord) TableName() string { return "client_kv" }

// Client wraps the GORM connection backing the SQL key/value store.
type Client struct {
	conn *gorm.DB
}

// Pinger exposes the health check surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New opens the configured dialect and migrates the key/value table.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gormLogger := gormlogger.New(
		log.New(io.Discard, "", log.LstdFlags),
		gormlogger.Config{LogLevel: gormlogger.Silent},
	)

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	applyPoolSettings(sqlDB, cfg)

	client := &Client{conn: conn}
	if err := client.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "dialect", normalizeDialect(cfg.Dialect)), "database connection established")
	}
	return client, nil
}

func dialectorFor(cfg config.DBConfig) (gorm.Dialector, error) {
	switch normalizeDialect(cfg.Dialect) {
	case DialectSQLite:
		return sqlite.Open(cfg.DSN), nil
	case DialectPostgres:
		return postgres.New(postgres.Config{
			DSN:                  cfg.DSN,
			PreferSimpleProtocol: true,
		}), nil
	}
	return nil, fmt.Errorf("unsupported database dialect %q", cfg.Dialect)
}

func normalizeDialect(dialect string) string {
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	if dialect == "" {
		return DialectSQLite
	}
	return dialect
}

func applyPoolSettings(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func (c *Client) migrate(ctx context.Context) error {
	if err := c.conn.WithContext(ctx).AutoMigrate(&KVRecord{}); err != nil {
		return fmt.Errorf("migrating client_kv: %w", err)
	}
	return nil
}

// Get returns the stored value for key or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var record KVRecord
	err := c.conn.WithContext(ctx).Where("kv_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return record.Value, nil
}

// Put inserts or replaces the value stored at key.
func (c *Client) Put(ctx context.Context, key, value string) error {
	record := KVRecord{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return c.conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value", "updated_at"}),
	}).Create(&record).Error
}

// Delete removes key. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.conn.WithContext(ctx).Where("kv_key = ?", key).Delete(&KVRecord{}).Error
}

// Ping verifies the datasource is reachable.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close shuts down the pooled connections.
func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
