// Package store implements Postgres persistence for tickets, user
// assignments, users, notifications and role definitions. One orchestrator
// operation checks out one transaction-bound connection and holds it for
// the whole operation; ticket rows are serialized across concurrent
// updates with row-level locks.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a referenced ticket or user doesn't exist.
var ErrNotFound = fmt.Errorf("not found")

// Config is the Postgres connection configuration.
type Config struct {
	Host     string `long:"host" env:"HOST" default:"localhost" description:"Postgres host"`
	Port     uint16 `long:"port" env:"PORT" default:"5432" description:"Postgres port"`
	User     string `long:"user" env:"USER" default:"trellis" description:"Postgres user"`
	Password string `long:"password" env:"PASSWORD" description:"Postgres password"`
	DBName   string `long:"dbname" env:"DBNAME" default:"trellis" description:"Postgres database"`
}

// ToURI converts the Config to a DSN string.
func (c *Config) ToURI() string {
	var host = c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, c.Port)
	}
	var uri = url.URL{
		Scheme: "postgres",
		Host:   host,
		User:   url.UserPassword(c.User, c.Password),
	}
	if c.DBName != "" {
		uri.Path = "/" + c.DBName
	}
	return uri.String()
}

// Store is a shared handle over the connection pool.
type Store struct {
	pool *pgxpool.Pool
	// users caches username → userid resolutions. Users are never
	// re-keyed, so entries don't expire.
	users *lru.Cache[string, uuid.UUID]
}

const userCacheSize = 1024

// NewStore connects to Postgres at the given DSN.
func NewStore(ctx context.Context, uri string) (*Store, error) {
	var pool, err = pgxpool.Connect(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	users, err := lru.New[string, uuid.UUID](userCacheSize)
	if err != nil {
		panic(err) // Size is positive.
	}

	log.WithField("database", pool.Config().ConnConfig.Database).Info("opened database")
	return &Store{pool: pool, users: users}, nil
}

// Begin a transaction. The caller must Commit or Rollback it.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{})
}

// Close the underlying pool.
func (s *Store) Close() { s.pool.Close() }

//go:embed schema.sql
var schemaSQL string

// ApplySchema applies the embedded reference DDL. It's idempotent, and
// intended for development and test bootstraps; production schemas are
// migrated externally.
func (s *Store) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
