package initializer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"dbstack/internal/config"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

// DefaultSeedRows is how many rows one run inserts.
const DefaultSeedRows = 10

// UntokenedSeed marks the seed of an invocation whose payload carries no
// token, so repeated bare invocations seed once as well.
const UntokenedSeed = "untokened"

// Task creates the application table and seeds it. It runs inside the
// deployed function, or locally against any sqlx handle.
type Task struct {
	db    *sqlx.DB
	table string

	SeedRows int
	NewName  func() string
}

// NewTask validates table before it is ever interpolated into DDL.
func NewTask(db *sqlx.DB, table string) (*Task, error) {
	if !config.ValidIdentifier(table) {
		return nil, domain.Configf("TABLE_NAME", "%q is not a valid SQL identifier", table)
	}
	return &Task{db: db, table: table, SeedRows: DefaultSeedRows, NewName: uuid.NewString}, nil
}

// VersionTable records applied schema versions for the table.
func (t *Task) VersionTable() string {
	return t.table + "_schema_version"
}

// SeedTable records the tokens whose seed rows were committed.
func (t *Task) SeedTable() string {
	return t.table + "_seed_tokens"
}

// Run creates the tables if needed, seeds once for token and returns every
// row. Running again with the same token only reads.
func (t *Task) Run(ctx context.Context, token string) ([]domain.Record, error) {
	if err := t.Migrate(ctx); err != nil {
		return nil, err
	}
	if _, err := t.Seed(ctx, token); err != nil {
		return nil, err
	}
	return t.Rows(ctx)
}

// Migrate applies the table schema. Applying it to an existing table is a
// no-op.
func (t *Task) Migrate(ctx context.Context) error {
	dialect, err := t.dialect()
	if err != nil {
		return err
	}
	store, err := database.NewStore(dialect, t.VersionTable())
	if err != nil {
		return fmt.Errorf("creating goose store: %w", err)
	}

	provider, err := goose.NewProvider("", t.db.DB, nil,
		goose.WithStore(store),
		goose.WithDisableGlobalRegistry(true),
		goose.WithGoMigrations(
			goose.NewGoMigration(1,
				&goose.GoFunc{RunTx: t.createTable},
				&goose.GoFunc{RunTx: t.dropTable},
			),
			goose.NewGoMigration(2,
				&goose.GoFunc{RunTx: t.createSeedTable},
				&goose.GoFunc{RunTx: t.dropSeedTable},
			),
		),
	)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrating %s: %w", t.table, err)
	}
	logging.LogInfo("Schema migrated", map[string]interface{}{
		"table":   t.table,
		"applied": len(results),
	})
	return nil
}

func (t *Task) dialect() (database.Dialect, error) {
	switch t.db.DriverName() {
	case "mysql":
		return database.DialectMySQL, nil
	case "sqlite3":
		return database.DialectSQLite3, nil
	}
	return "", domain.Configf("DB_DRIVER", "unsupported driver %q", t.db.DriverName())
}

func (t *Task) createTable(ctx context.Context, tx *sql.Tx) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INT NOT NULL AUTO_INCREMENT,
	name VARCHAR(255),
	PRIMARY KEY (id)
)`, t.table)
	if t.db.DriverName() == "sqlite3" {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name VARCHAR(255)
)`, t.table)
	}
	_, err := tx.ExecContext(ctx, ddl)
	return err
}

func (t *Task) dropTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", t.table))
	return err
}

func (t *Task) createSeedTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	token VARCHAR(255) NOT NULL,
	seeded_rows INT NOT NULL,
	PRIMARY KEY (token)
)`, t.SeedTable()))
	return err
}

func (t *Task) dropSeedTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", t.SeedTable()))
	return err
}

// Seed inserts SeedRows generated names and the token marker in a single
// transaction. It reports false without inserting when token was already
// seeded. An empty token is recorded as UntokenedSeed.
func (t *Task) Seed(ctx context.Context, token string) (bool, error) {
	if token == "" {
		token = UntokenedSeed
	}
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting seed transaction: %w", err)
	}
	defer tx.Rollback()

	var seen int
	query := t.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE token = ?", t.SeedTable()))
	if err := tx.GetContext(ctx, &seen, query, token); err != nil {
		return false, fmt.Errorf("reading seed marker: %w", err)
	}
	if seen > 0 {
		logging.LogInfo("Table already seeded for token", map[string]interface{}{"table": t.table, "token": token})
		return false, nil
	}

	// The primary key on token makes a concurrent run with the same token
	// fail here instead of inserting a second batch.
	mark := t.db.Rebind(fmt.Sprintf("INSERT INTO %s (token, seeded_rows) VALUES (?, ?)", t.SeedTable()))
	if _, err := tx.ExecContext(ctx, mark, token, t.SeedRows); err != nil {
		return false, fmt.Errorf("recording seed marker: %w", err)
	}
	insert := t.db.Rebind(fmt.Sprintf("INSERT INTO %s (name) VALUES (?)", t.table))
	for n := 0; n < t.SeedRows; n++ {
		if _, err := tx.ExecContext(ctx, insert, t.NewName()); err != nil {
			return false, fmt.Errorf("seeding %s: %w", t.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing seed rows: %w", err)
	}
	logging.LogInfo("Seeded table", map[string]interface{}{"table": t.table, "token": token, "rows": t.SeedRows})
	return true, nil
}

// Rows returns every row ordered by id.
func (t *Task) Rows(ctx context.Context) ([]domain.Record, error) {
	rows := []domain.Record{}
	query := fmt.Sprintf("SELECT id, COALESCE(name, '') AS name FROM %s ORDER BY id", t.table)
	if err := t.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("reading %s: %w", t.table, err)
	}
	return rows, nil
}
