package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

// ErrorCode returns the provider error code, or "" when err is not an API error.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// HasCode reports whether err is an API error with one of the given codes.
func HasCode(err error, codes ...string) bool {
	code := ErrorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}

// Classify maps a provider error onto the domain taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrAccessDenied) || errors.Is(err, domain.ErrTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}

	code := ErrorCode(err)
	switch {
	case code == "":
		return err
	case strings.HasPrefix(code, "AccessDenied"), code == "UnauthorizedOperation",
		code == "AuthFailure", code == "UnrecognizedClientException":
		return fmt.Errorf("%w: %w", domain.ErrAccessDenied, err)
	case strings.HasPrefix(code, "Throttl"), code == "RequestLimitExceeded",
		code == "TooManyRequestsException", code == "ServiceUnavailable",
		code == "InternalFailure", code == "RequestTimeout":
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return err
}

// ResourceFailure wraps err as a ResourceError after classification.
func ResourceFailure(resource, op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.ResourceError{Resource: resource, Op: op, Err: Classify(err)}
}

// Track times one API call, logs it and records it in the metrics.
func Track[T any](apiName string, call func() (T, error)) (T, error) {
	start := time.Now()
	out, err := call()
	logging.LogAPICall(apiName, err == nil, time.Since(start), err)
	logging.GetMetrics().RecordAPICall(apiName, err == nil, err)
	return out, err
}
