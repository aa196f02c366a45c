// Package sqlconn provides the database handle shared by the function
// handlers. The connection is opened on first use and lives until Close.
package sqlconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"dbstack/internal/config"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
	"dbstack/internal/secrets"
)

// DefaultPort is used when the credential carries no port.
const DefaultPort = 3306

// ErrClosed is returned by DB after Close.
var ErrClosed = errors.New("database handle closed")

// Source produces the DSN to connect with. It is called once per successful
// open.
type Source func(ctx context.Context) (string, error)

// StaticSource always returns dsn.
func StaticSource(dsn string) Source {
	return func(context.Context) (string, error) { return dsn, nil }
}

// SecretSource resolves the named credential and formats a MySQL DSN from it.
func SecretSource(resolver *secrets.Resolver, secretName string) Source {
	return func(ctx context.Context) (string, error) {
		material, err := resolver.ResolveName(ctx, secretName)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", secretName, err)
		}
		return DSN(material)
	}
}

// DSN formats material as a go-sql-driver/mysql connection string.
func DSN(material domain.SecretMaterial) (string, error) {
	if material.Host == "" {
		return "", fmt.Errorf("%w: credential has no host, the cluster endpoint is not attached yet", domain.ErrOrdering)
	}
	port := material.Port
	if port == 0 {
		port = DefaultPort
	}

	cfg := mysql.NewConfig()
	cfg.User = material.Username
	cfg.Passwd = material.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(material.Host, strconv.Itoa(port))
	cfg.DBName = material.DBName
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Handle is a lazily opened *sqlx.DB.
type Handle struct {
	mu     sync.Mutex
	driver string
	source Source
	db     *sqlx.DB
	closed bool

	MaxOpenConns int
}

// New creates a handle. Nothing is resolved or dialed until DB is called.
func New(driver string, source Source) *Handle {
	return &Handle{driver: driver, source: source, MaxOpenConns: 2}
}

// FromEnv builds the handle a deployed function uses: DB_DSN when set,
// otherwise the credential named by DB_SECRET_NAME.
func FromEnv(env *config.HandlerEnv, resolver *secrets.Resolver) *Handle {
	if env.DSN != "" {
		return New(env.Driver, StaticSource(env.DSN))
	}
	return New(env.Driver, SecretSource(resolver, env.SecretName))
}

// DB returns the open connection, opening it on first use. A failed open is
// retried by the next call.
func (h *Handle) DB(ctx context.Context) (*sqlx.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if h.db != nil {
		return h.db, nil
	}

	dsn, err := h.source(ctx)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(h.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", h.driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connecting to database: %v", domain.ErrTransient, err)
	}
	db.SetMaxOpenConns(h.MaxOpenConns)

	logging.LogDebug("Database connection opened", map[string]interface{}{"driver": h.driver})
	h.db = db
	return db, nil
}

// Close releases the connection. Later calls to DB fail with ErrClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}
