package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/prappser/prappser_ingest/internal/user"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

type Endpoints struct {
	receiver    *Receiver
	coordinator *Coordinator
	config      *Config
}

func NewEndpoints(receiver *Receiver, coordinator *Coordinator, config *Config) *Endpoints {
	return &Endpoints{
		receiver:    receiver,
		coordinator: coordinator,
		config:      config,
	}
}

// requestContext is the parent for work done on behalf of a request. The
// fasthttp ctx only signals server shutdown, which the server handles itself.
func requestContext() context.Context {
	return context.Background()
}

var errPartTooLarge = fmt.Errorf("%w: part too large", ErrValidation)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	response, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("[UPLOAD] Failed to marshal response")
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(response)
}

// writeError responds with the stable message for err only.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	status, message := StatusFor(err)
	writeJSON(ctx, status, errorResponse{Error: message})
}

func authenticatedUser(ctx *fasthttp.RequestCtx) (*user.User, bool) {
	u, ok := ctx.UserValue("user").(*user.User)
	if !ok || u == nil {
		writeError(ctx, ErrUnauthorized)
		return nil, false
	}
	return u, true
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func formInt(form *multipart.Form, key string) (int, error) {
	raw := formValue(form, key)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", ErrValidation, key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrValidation, key)
	}
	return n, nil
}

// readFormFile reads the named part, refusing parts larger than limit.
func readFormFile(form *multipart.Form, key string, limit int64) ([]byte, string, error) {
	files := form.File[key]
	if len(files) == 0 {
		return nil, "", fmt.Errorf("%w: %s is required", ErrValidation, key)
	}
	fileHeader := files[0]
	if fileHeader.Size > limit {
		return nil, "", fmt.Errorf("%w: %s", errPartTooLarge, key)
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("%w: %s", errPartTooLarge, key)
	}
	return data, fileHeader.Filename, nil
}

func formFileName(form *multipart.Form, key string) string {
	if files := form.File[key]; len(files) > 0 {
		return files[0].Filename
	}
	return ""
}

func multipartForm(ctx *fasthttp.RequestCtx) (*multipart.Form, error) {
	contentType := string(ctx.Request.Header.ContentType())
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		return nil, fmt.Errorf("%w: Content-Type must be multipart/form-data", ErrValidation)
	}
	form, err := ctx.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse multipart form", ErrValidation)
	}
	return form, nil
}

// UploadChunk handles POST /upload/chunk.
func (e *Endpoints) UploadChunk(ctx *fasthttp.RequestCtx) {
	u, ok := authenticatedUser(ctx)
	if !ok {
		return
	}

	form, err := multipartForm(ctx)
	if err != nil {
		writeError(ctx, err)
		return
	}

	req := &ChunkRequest{
		FileID:   formValue(form, "fileId"),
		FileName: formValue(form, "fileName"),
	}
	if req.ChunkIndex, err = formInt(form, "chunkIndex"); err != nil {
		writeError(ctx, err)
		return
	}
	if req.TotalChunks, err = formInt(form, "totalChunks"); err != nil {
		writeError(ctx, err)
		return
	}
	if req.Data, _, err = readFormFile(form, "chunk", e.config.MaxChunkSize); err != nil {
		writeError(ctx, err)
		return
	}

	response, err := e.receiver.ReceiveChunk(requestContext(), u.ID, req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, response)
}

// Reassemble handles POST /upload/complete.
func (e *Endpoints) Reassemble(ctx *fasthttp.RequestCtx) {
	u, ok := authenticatedUser(ctx)
	if !ok {
		return
	}

	var req ReassembleRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fmt.Errorf("%w: invalid request body", ErrValidation))
		return
	}

	record, err := e.coordinator.Reassemble(requestContext(), u.ID, u.Tier, &req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, record)
}

// UploadDirect handles POST /upload for files below the chunking threshold.
func (e *Endpoints) UploadDirect(ctx *fasthttp.RequestCtx) {
	u, ok := authenticatedUser(ctx)
	if !ok {
		return
	}

	form, err := multipartForm(ctx)
	if err != nil {
		writeError(ctx, err)
		return
	}

	filename := formValue(form, "fileName")
	if filename == "" {
		filename = formFileName(form, "file")
	}
	// checked before the size cap so a blocked type is reported as such
	if mimeType := MimeType(filename); IsBlocked(mimeType) {
		writeError(ctx, fmt.Errorf("%w: %s", ErrBlockedType, mimeType))
		return
	}

	_, limits := e.config.Limits(u.Tier)
	data, partName, err := readFormFile(form, "file", limits.MaxFileSize)
	if err != nil {
		if errors.Is(err, errPartTooLarge) {
			err = fmt.Errorf("%w: direct upload", ErrSizeLimit)
		}
		writeError(ctx, err)
		return
	}
	if filename == "" {
		filename = partName
	}

	record, err := e.coordinator.CommitDirect(requestContext(), u.ID, u.Tier, &DirectRequest{
		FileID:       formValue(form, "fileId"),
		FileName:     filename,
		Data:         data,
		Settings:     RawSettings(formValue(form, "settings")),
		CustomDomain: formValue(form, "customDomain"),
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, record)
}

// SessionStatus handles GET /upload/{fileId}.
func (e *Endpoints) SessionStatus(ctx *fasthttp.RequestCtx) {
	u, ok := authenticatedUser(ctx)
	if !ok {
		return
	}
	fileID, _ := ctx.UserValue("fileID").(string)

	session, err := e.coordinator.SessionStatus(u.ID, fileID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, session)
}

// GetMedia handles GET /media/{id}. Anonymous callers see public media only.
func (e *Endpoints) GetMedia(ctx *fasthttp.RequestCtx) {
	mediaID, _ := ctx.UserValue("mediaID").(string)

	record, err := e.coordinator.Media(requestContext(), optionalOwner(ctx), mediaID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, record)
}

// GetMediaContent handles GET /media/{id}/content.
func (e *Endpoints) GetMediaContent(ctx *fasthttp.RequestCtx) {
	mediaID, _ := ctx.UserValue("mediaID").(string)

	reader, record, err := e.coordinator.OpenContent(requestContext(), optionalOwner(ctx), mediaID)
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.SetContentType(record.Type)
	ctx.Response.Header.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", record.Filename))
	ctx.Response.Header.Set("ETag", strconv.Quote(record.Checksum))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyStream(reader, int(record.Size))
}

// DeleteMedia handles DELETE /media/{id}.
func (e *Endpoints) DeleteMedia(ctx *fasthttp.RequestCtx) {
	u, ok := authenticatedUser(ctx)
	if !ok {
		return
	}
	mediaID, _ := ctx.UserValue("mediaID").(string)

	if err := e.coordinator.DeleteMedia(requestContext(), u.ID, mediaID); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// Usage handles GET /usage.
func (e *Endpoints) Usage(ctx *fasthttp.RequestCtx) {
	u, ok := authenticatedUser(ctx)
	if !ok {
		return
	}

	report, err := e.coordinator.Usage(requestContext(), u.ID, u.Tier)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, report)
}

func optionalOwner(ctx *fasthttp.RequestCtx) string {
	if u, ok := ctx.UserValue("user").(*user.User); ok && u != nil {
		return u.ID
	}
	return ""
}
