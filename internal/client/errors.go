package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrChunkUploadFailed = errors.New("chunk upload failed")
	ErrEmptyFile         = errors.New("file is empty")
)

// APIError is a non-2xx answer from the ingest server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// ChunkError reports the chunk that exhausted its retries.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%v: chunk %d after %d attempts: %v", ErrChunkUploadFailed, e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() []error {
	return []error{ErrChunkUploadFailed, e.Err}
}

// Retryable reports whether another attempt could succeed. Client errors
// other than timeouts and rate limiting are final.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusRequestTimeout, apiErr.Status == http.StatusTooManyRequests:
			return true
		case apiErr.Status >= 400 && apiErr.Status < 500:
			return false
		}
	}
	return true
}

// commitRetryable decides retries of commit requests. A conflict means an
// earlier attempt is committing or has committed, so it is retried and the
// next attempt looks the artifact up. Server errors are final because the
// server drops staged data after a failed commit.
func commitRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusConflict:
			return true
		case apiErr.Status >= 500:
			return false
		}
	}
	return Retryable(err)
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
