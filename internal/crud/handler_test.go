package crud

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbstack/internal/domain"
	"dbstack/internal/sqlconn"
)

func newHandler(t *testing.T) (*Handler, *sqlconn.Handle) {
	t.Helper()
	handle := sqlconn.New("sqlite3", sqlconn.StaticSource(filepath.Join(t.TempDir(), "crud.db")))
	t.Cleanup(func() { handle.Close() })

	db, err := handle.DB(context.Background())
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE mytable (id INTEGER PRIMARY KEY AUTOINCREMENT, name VARCHAR(255))")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO mytable (name) VALUES ('alpha'), ('beta')")
	require.NoError(t, err)

	return NewHandler(handle, "mytable"), handle
}

func call(t *testing.T, h *Handler, method, path, body string) events.APIGatewayProxyResponse {
	t.Helper()
	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Body:       body,
	})
	require.NoError(t, err)
	return resp
}

func message(t *testing.T, resp events.APIGatewayProxyResponse) string {
	t.Helper()
	var msg string
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &msg))
	return msg
}

// =============================================================================
// Read Tests
// =============================================================================

func TestHandler_Get(t *testing.T) {
	h, _ := newHandler(t)

	resp := call(t, h, http.MethodGet, "/name/2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []domain.Record
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &rows))
	assert.Equal(t, []domain.Record{{ID: 2, Name: "beta"}}, rows)

	resp = call(t, h, http.MethodGet, "/name/99", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", resp.Body)
}

func TestHandler_PathParameterWins(t *testing.T) {
	h, _ := newHandler(t)
	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:     http.MethodGet,
		Path:           "/name/ignored",
		PathParameters: map[string]string{"id": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Body, "alpha")
}

func TestHandler_IDAfterBasePath(t *testing.T) {
	h, _ := newHandler(t)

	resp := call(t, h, http.MethodGet, "/prod/api/name/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Body, "alpha")
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		message string
	}{
		{"get without id", http.MethodGet, "/name", "", MsgNoID},
		{"get without id under a base path", http.MethodGet, "/api/name", "", MsgNoID},
		{"get without resource", http.MethodGet, "/other/5", "", MsgNoID},
		{"put without id under a base path", http.MethodPut, "/api/name", `{"name":"x"}`, MsgNoID},
		{"delete without id", http.MethodDelete, "/name/", "", MsgNoID},
		{"get with non-numeric id", http.MethodGet, "/name/abc", "", MsgInvalidID},
		{"post without body", http.MethodPost, "/name", "", MsgPostBody},
		{"post without name", http.MethodPost, "/name", `{"other":"x"}`, MsgPostBody},
		{"post with invalid json", http.MethodPost, "/name", `{`, MsgPostBody},
		{"put without body", http.MethodPut, "/name/1", "", MsgPutBody},
		{"put without name", http.MethodPut, "/name/1", `{}`, MsgPutBody},
		{"put without id", http.MethodPut, "/name", `{"name":"x"}`, MsgNoID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHandler(t)
			resp := call(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.message, message(t, resp))
		})
	}
}

func TestHandler_UnknownMethod(t *testing.T) {
	h, _ := newHandler(t)
	for _, method := range []string{http.MethodPatch, http.MethodHead, "OPTIONS"} {
		resp := call(t, h, method, "/name/1", "")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestHandler_Post(t *testing.T) {
	h, _ := newHandler(t)

	resp := call(t, h, http.MethodPost, "/name", `{"name":"gamma"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res Result
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &res))
	assert.Equal(t, Result{AffectedRows: 1, InsertID: 3}, res)

	resp = call(t, h, http.MethodGet, "/name/3", "")
	assert.Contains(t, resp.Body, "gamma")
}

func TestHandler_PutUpserts(t *testing.T) {
	h, _ := newHandler(t)

	resp := call(t, h, http.MethodPut, "/name/1", `{"name":"renamed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, call(t, h, http.MethodGet, "/name/1", "").Body, "renamed")

	resp = call(t, h, http.MethodPut, "/name/42", `{"name":"created"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, call(t, h, http.MethodGet, "/name/42", "").Body, "created")
}

func TestHandler_Delete(t *testing.T) {
	h, _ := newHandler(t)

	resp := call(t, h, http.MethodDelete, "/name/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"affectedRows":1,"insertId":0}`, resp.Body)
	assert.JSONEq(t, "[]", call(t, h, http.MethodGet, "/name/1", "").Body)

	resp = call(t, h, http.MethodDelete, "/name/1", "")
	assert.JSONEq(t, `{"affectedRows":0,"insertId":0}`, resp.Body)
}

func TestHandler_NameIsNeverInterpolated(t *testing.T) {
	h, _ := newHandler(t)
	injection := `x'); DROP TABLE mytable; --`

	resp := call(t, h, http.MethodPost, "/name", `{"name":"`+injection+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, call(t, h, http.MethodGet, "/name/3", "").Body, "DROP TABLE")
}

func TestHandler_DatabaseUnavailable(t *testing.T) {
	handle := sqlconn.New("sqlite3", sqlconn.StaticSource(filepath.Join(t.TempDir(), "x.db")))
	require.NoError(t, handle.Close())

	resp := call(t, NewHandler(handle, "mytable"), http.MethodGet, "/name/1", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, MsgInternal, message(t, resp))
}

func TestNewStore_RejectsUnsafeTable(t *testing.T) {
	_, err := NewStore(nil, "mytable; DROP TABLE x")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
