package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"dbstack/internal/domain"
)

// Re-export LogLevel for convenience
type LogLevel = domain.LogLevel

const (
	LogLevelDebug = domain.LogLevelDebug
	LogLevelInfo  = domain.LogLevelInfo
	LogLevelWarn  = domain.LogLevelWarn
	LogLevelError = domain.LogLevelError
)

// Redacted replaces the value of any field whose key names secret material.
const Redacted = "[REDACTED]"

// sensitiveKeys are matched against field keys lowercased with separators
// removed, so SecretString and secret_string both match.
var sensitiveKeys = []string{"password", "secretstring", "keymaterial", "privatekey"}

// Entry is one structured log line.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Stack     string                 `json:"stack,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

type logger struct {
	mu         sync.Mutex
	structured bool
	minLevel   LogLevel
	stack      string
	out        *log.Logger
}

var std = &logger{
	structured: true,
	minLevel:   LogLevelInfo,
	out:        log.Default(),
}

// SetOutput redirects log output. Lambda functions log to stdout so entries
// land in CloudWatch one per line.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.out = log.New(w, "", 0)
}

// SetStructured switches between JSON entries and plain "[LEVEL] message" lines
func SetStructured(enabled bool) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.structured = enabled
}

// SetLogLevel sets the minimum log level
func SetLogLevel(level LogLevel) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.minLevel = level
}

// SetStack stamps every following entry with the stack name.
func SetStack(name string) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.stack = name
}

func priority(level LogLevel) int {
	switch level {
	case LogLevelDebug:
		return 0
	case LogLevelWarn:
		return 2
	case LogLevelError:
		return 3
	default:
		return 1
	}
}

func isSensitive(key string) bool {
	k := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func newEntry(level LogLevel, message, stack string, fields []map[string]interface{}) Entry {
	e := Entry{Timestamp: time.Now().UTC(), Level: level, Message: message, Stack: stack}
	for _, f := range fields {
		for k, v := range f {
			if isSensitive(k) {
				v = Redacted
			}
			switch k {
			case "stack":
				e.Stack = fmt.Sprint(v)
			case "operation":
				e.Operation = fmt.Sprint(v)
			case "resource":
				e.Resource = fmt.Sprint(v)
			case "error":
				e.Error = fmt.Sprint(v)
			default:
				if e.Context == nil {
					e.Context = make(map[string]interface{})
				}
				e.Context[k] = v
			}
		}
	}
	return e
}

func emit(level LogLevel, message string, fields ...map[string]interface{}) {
	std.mu.Lock()
	defer std.mu.Unlock()

	if priority(level) < priority(std.minLevel) {
		return
	}
	if !std.structured {
		std.out.Printf("[%s] %s", strings.ToUpper(string(level)), message)
		return
	}

	line, err := json.Marshal(newEntry(level, message, std.stack, fields))
	if err != nil {
		std.out.Printf("[%s] %s", strings.ToUpper(string(level)), message)
		return
	}
	std.out.Println(string(line))
}

// LogDebug logs a debug message
func LogDebug(message string, fields ...map[string]interface{}) {
	emit(LogLevelDebug, message, fields...)
}

// LogInfo logs an info message
func LogInfo(message string, fields ...map[string]interface{}) {
	emit(LogLevelInfo, message, fields...)
}

// LogWarn logs a warning message
func LogWarn(message string, fields ...map[string]interface{}) {
	emit(LogLevelWarn, message, fields...)
}

// LogError logs an error message. A nil error is allowed.
func LogError(message string, err error, fields ...map[string]interface{}) {
	if err != nil {
		fields = append([]map[string]interface{}{{"error": err.Error()}}, fields...)
	}
	emit(LogLevelError, message, fields...)
}

// LogOperationStart logs the start of an operation
func LogOperationStart(operation string, fields ...map[string]interface{}) {
	fields = append([]map[string]interface{}{{"operation": operation}}, fields...)
	LogInfo("Starting "+operation, fields...)
}

// LogOperationEnd logs the end of an operation. expected and done count the
// items the operation meant to touch and the ones it actually did.
func LogOperationEnd(operation string, duration time.Duration, success bool, expected, done int, err error) {
	fields := map[string]interface{}{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
		"expected":    expected,
		"done":        done,
	}
	if success {
		LogInfo("Completed "+operation, fields)
		return
	}
	LogError("Failed "+operation, err, fields)
}

// LogAPICall logs an AWS API call. Successes are debug noise; failures warn.
func LogAPICall(apiName string, success bool, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"api":         apiName,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if success {
		LogDebug("API call "+apiName, fields)
		return
	}
	LogWarn("API call failed "+apiName, fields)
}

// LogResourceOperation logs a create, reuse or delete of a single resource
// and records it in the run metrics.
func LogResourceOperation(resource string, operation string, success bool, err error) {
	fields := map[string]interface{}{
		"resource":  resource,
		"operation": operation,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if success {
		LogInfo(fmt.Sprintf("%s %s", operation, resource), fields)
	} else {
		LogWarn(fmt.Sprintf("%s %s failed", operation, resource), fields)
	}
	GetMetrics().RecordResource(resource, operation, success, err)
}
