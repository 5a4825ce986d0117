package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	cortexerrors "cortex/internal/errors"
)

// mapHTTPError converts a non-2xx provider response into a classified error
// so the retry wrapper knows whether another attempt makes sense.
func mapHTTPError(statusCode int, body []byte, header http.Header) error {
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(statusCode)
	}
	base := fmt.Errorf("api error status %d: %s", statusCode, truncateForError(message, 512))

	if cortexerrors.IsTransientHTTPStatus(statusCode) {
		terr := &cortexerrors.TransientError{
			Err:        base,
			StatusCode: statusCode,
			Message:    base.Error(),
		}
		if after := retryAfterSeconds(header); after > 0 {
			terr.RetryAfter = after
		}
		return terr
	}

	return &cortexerrors.PermanentError{
		Err:        base,
		StatusCode: statusCode,
		Message:    base.Error(),
	}
}

// wrapRequestError classifies transport-level failures. Context cancellation
// passes through untouched so callers can distinguish user aborts.
func wrapRequestError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if cortexerrors.IsTransient(err) {
		return cortexerrors.NewTransientError(err, fmt.Sprintf("request failed: %v", err))
	}
	return fmt.Errorf("request failed: %w", err)
}

func retryAfterSeconds(header http.Header) int {
	if header == nil {
		return 0
	}
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}

func truncateForError(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
