package crud

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jmoiron/sqlx"

	"dbstack/internal/logging"
)

// Client-facing error messages.
const (
	MsgNoID         = "No id provided"
	MsgInvalidID    = "id must be an integer"
	MsgPostBody     = "No body provided or name property is missing"
	MsgPutBody      = "missing body or name property"
	MsgInternal     = "internal error"
	MsgNotSupported = "method not allowed"
)

// Resource is the path segment the API is mounted on. The id, when not given
// as a path parameter, is the segment right after it.
const Resource = "name"

// DB hands out the connection. *sqlconn.Handle satisfies it.
type DB interface {
	DB(ctx context.Context) (*sqlx.DB, error)
}

// Handler serves API Gateway proxy requests for /name and /name/{id}.
type Handler struct {
	db    DB
	table string
}

// NewHandler creates a handler. The connection is not touched until the
// first request.
func NewHandler(db DB, table string) *Handler {
	return &Handler{db: db, table: table}
}

type nameBody struct {
	Name string `json:"name"`
}

// Handle dispatches on the HTTP method. Failures are reported in the
// response; the returned error is always nil so API Gateway sees the status.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	resp := h.route(ctx, req)
	logging.LogDebug("Request served", map[string]interface{}{
		"method":      req.HTTPMethod,
		"path":        req.Path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	switch req.HTTPMethod {
	case http.MethodGet, http.MethodDelete, http.MethodPost, http.MethodPut:
	default:
		return respond(http.StatusMethodNotAllowed, MsgNotSupported)
	}

	db, err := h.db.DB(ctx)
	if err != nil {
		logging.LogError("Database unavailable", err, nil)
		return respond(http.StatusInternalServerError, MsgInternal)
	}
	store, err := NewStore(db, h.table)
	if err != nil {
		logging.LogError("Invalid table", err, nil)
		return respond(http.StatusInternalServerError, MsgInternal)
	}

	switch req.HTTPMethod {
	case http.MethodGet:
		id, bad := requireID(req)
		if bad != nil {
			return *bad
		}
		rows, err := store.Get(ctx, id)
		return result(rows, err)

	case http.MethodPost:
		body, ok := parseName(req.Body)
		if !ok {
			return respond(http.StatusBadRequest, MsgPostBody)
		}
		res, err := store.Insert(ctx, body.Name)
		return result(res, err)

	case http.MethodPut:
		id, bad := requireID(req)
		if bad != nil {
			return *bad
		}
		body, ok := parseName(req.Body)
		if !ok {
			return respond(http.StatusBadRequest, MsgPutBody)
		}
		res, err := store.Upsert(ctx, id, body.Name)
		return result(res, err)

	default:
		id, bad := requireID(req)
		if bad != nil {
			return *bad
		}
		res, err := store.Delete(ctx, id)
		return result(res, err)
	}
}

// pathID returns the id path parameter, falling back to the segment after
// the resource name. Stage or base-path prefixes are skipped.
func pathID(req events.APIGatewayProxyRequest) string {
	if id := req.PathParameters["id"]; id != "" {
		return id
	}
	segments := strings.Split(strings.Trim(req.Path, "/"), "/")
	for i, seg := range segments {
		if seg == Resource && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return ""
}

func requireID(req events.APIGatewayProxyRequest) (int64, *events.APIGatewayProxyResponse) {
	raw := pathID(req)
	if raw == "" {
		resp := respond(http.StatusBadRequest, MsgNoID)
		return 0, &resp
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		resp := respond(http.StatusBadRequest, MsgInvalidID)
		return 0, &resp
	}
	return id, nil
}

func parseName(body string) (nameBody, bool) {
	var parsed nameBody
	if body == "" || json.Unmarshal([]byte(body), &parsed) != nil {
		return parsed, false
	}
	return parsed, parsed.Name != ""
}

func result(v interface{}, err error) events.APIGatewayProxyResponse {
	if err != nil {
		logging.LogError("Query failed", err, nil)
		return respond(http.StatusInternalServerError, MsgInternal)
	}
	return respond(http.StatusOK, v)
}

func respond(status int, v interface{}) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status, body = http.StatusInternalServerError, []byte(`"`+MsgInternal+`"`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
