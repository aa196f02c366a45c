package initializer

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

// Connector yields the handle the task runs against.
type Connector interface {
	DB(ctx context.Context) (*sqlx.DB, error)
}

// Event is the invocation payload. Token scopes the seed: a second
// invocation with the same token changes nothing.
type Event struct {
	Hook  string `json:"hook,omitempty"`
	Token string `json:"token,omitempty"`
}

// ParseEvent decodes payload. An empty or null payload is an Event with no
// token.
func ParseEvent(payload json.RawMessage) (Event, error) {
	var ev Event
	if len(bytes.TrimSpace(payload)) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, domain.Configf("payload", "invalid invocation payload: %v", err)
	}
	return ev, nil
}

// Handler is the deployed function's entry point. Every invocation creates
// the tables if needed, seeds once per token and returns all rows.
func Handler(conn Connector, table string) func(ctx context.Context, payload json.RawMessage) ([]domain.Record, error) {
	return func(ctx context.Context, payload json.RawMessage) ([]domain.Record, error) {
		ev, err := ParseEvent(payload)
		if err != nil {
			return nil, err
		}
		db, err := conn.DB(ctx)
		if err != nil {
			logging.LogError("Database unavailable", err, map[string]interface{}{"table": table})
			return nil, err
		}
		task, err := NewTask(db, table)
		if err != nil {
			return nil, err
		}
		rows, err := task.Run(ctx, ev.Token)
		if err != nil {
			logging.LogError("Initialization failed", err, map[string]interface{}{"table": table})
			return nil, err
		}
		logging.LogInfo("Initialization complete", map[string]interface{}{
			"table": table,
			"token": ev.Token,
			"rows":  len(rows),
		})
		return rows, nil
	}
}
