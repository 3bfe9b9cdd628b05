package upload

import (
	"errors"

	"github.com/valyala/fasthttp"
)

var (
	ErrValidation        = errors.New("invalid request")
	ErrSizeMismatch      = errors.New("assembled size does not match declared size")
	ErrSizeLimit         = errors.New("file exceeds the size limit for your plan")
	ErrQuotaExceeded     = errors.New("storage quota exceeded")
	ErrMissingChunk      = errors.New("upload is missing chunks")
	ErrBlockedType       = errors.New("file type is not allowed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("request timed out")
	ErrUploadInProgress  = errors.New("upload is already being processed")
	ErrAlreadyCommitted  = errors.New("upload already completed")
	ErrTranscode         = errors.New("failed to process file")
	ErrStorageBackend    = errors.New("failed to store file")
	ErrPersistence       = errors.New("failed to save file record")
	ErrWriteVerification = errors.New("failed to verify chunk write")
)

var errorStatuses = []struct {
	err    error
	status int
}{
	{ErrValidation, fasthttp.StatusBadRequest},
	{ErrSizeMismatch, fasthttp.StatusBadRequest},
	{ErrSizeLimit, fasthttp.StatusBadRequest},
	{ErrQuotaExceeded, fasthttp.StatusBadRequest},
	{ErrMissingChunk, fasthttp.StatusBadRequest},
	{ErrBlockedType, fasthttp.StatusBadRequest},
	{ErrUnauthorized, fasthttp.StatusUnauthorized},
	{ErrForbidden, fasthttp.StatusForbidden},
	{ErrNotFound, fasthttp.StatusNotFound},
	{ErrTimeout, fasthttp.StatusRequestTimeout},
	{ErrUploadInProgress, fasthttp.StatusConflict},
	{ErrAlreadyCommitted, fasthttp.StatusConflict},
	{ErrTranscode, fasthttp.StatusInternalServerError},
	{ErrStorageBackend, fasthttp.StatusInternalServerError},
	{ErrPersistence, fasthttp.StatusInternalServerError},
	{ErrWriteVerification, fasthttp.StatusInternalServerError},
}

const internalErrorMessage = "internal server error"

// StatusFor maps an error to its HTTP status and the stable message that may
// be shown to clients. Details stay in the server log.
func StatusFor(err error) (int, string) {
	for _, es := range errorStatuses {
		if errors.Is(err, es.err) {
			return es.status, es.err.Error()
		}
	}
	return fasthttp.StatusInternalServerError, internalErrorMessage
}
