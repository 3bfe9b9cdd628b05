package client

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

const (
	pathChunk    = "/upload/chunk"
	pathComplete = "/upload/complete"
	pathDirect   = "/upload"
	pathMedia    = "/media/"
)

// HTTPTransport talks to the ingest server's upload endpoints.
type HTTPTransport struct {
	serverURL string
	token     string
	client    *fasthttp.Client
}

// NewHTTPTransport sends token as a bearer credential. A nil httpClient
// gets a default fasthttp.Client.
func NewHTTPTransport(serverURL, token string, httpClient *fasthttp.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = &fasthttp.Client{
			Name:                     "prappser-ingest",
			MaxIdleConnDuration:      90 * time.Second,
			NoDefaultUserAgentHeader: true,
		}
	}
	return &HTTPTransport{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		client:    httpClient,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (t *HTTPTransport) UploadChunk(ctx context.Context, chunk *ChunkUpload) (*ChunkAck, error) {
	body, contentType, err := multipartBody(map[string]string{
		"fileId":      chunk.FileID,
		"fileName":    chunk.FileName,
		"chunkIndex":  strconv.Itoa(chunk.Index),
		"totalChunks": strconv.Itoa(chunk.TotalChunks),
	}, "chunk", "blob", chunk.Data)
	if err != nil {
		return nil, err
	}

	var ack ChunkAck
	if err := t.post(ctx, pathChunk, contentType, body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (t *HTTPTransport) Reassemble(ctx context.Context, req *CompleteRequest) (*Artifact, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal complete request: %w", err)
	}

	var artifact Artifact
	if err := t.post(ctx, pathComplete, "application/json", body, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (t *HTTPTransport) UploadDirect(ctx context.Context, req *DirectUpload) (*Artifact, error) {
	fields := map[string]string{"fileName": req.FileName}
	if req.FileID != "" {
		fields["fileId"] = req.FileID
	}
	if req.Settings != "" {
		fields["settings"] = req.Settings
	}
	if req.CustomDomain != "" {
		fields["customDomain"] = req.CustomDomain
	}
	body, contentType, err := multipartBody(fields, "file", req.FileName, req.Data)
	if err != nil {
		return nil, err
	}

	var artifact Artifact
	if err := t.post(ctx, pathDirect, contentType, body, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (t *HTTPTransport) Media(ctx context.Context, id string) (*Artifact, error) {
	var artifact Artifact
	if err := t.do(ctx, fasthttp.MethodGet, pathMedia+url.PathEscape(id), "", nil, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (t *HTTPTransport) post(ctx context.Context, path, contentType string, body []byte, out interface{}) error {
	return t.do(ctx, fasthttp.MethodPost, path, contentType, body, out)
}

func (t *HTTPTransport) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(t.serverURL + path)
	req.Header.SetMethod(method)
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if body != nil {
		req.SetBodyRaw(body)
	}

	// fasthttp has no context support; the attempt deadline is the only
	// cancellation it understands.
	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = t.client.DoDeadline(req, resp, deadline)
	} else {
		err = t.client.Do(req, resp)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return decodeAPIError(status, resp.Body())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return &APIError{Status: status, Message: parsed.Error}
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = fasthttp.StatusMessage(status)
	}
	return &APIError{Status: status, Message: message}
}

func multipartBody(fields map[string]string, fileField, fileName string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) + 1024)
	w := multipart.NewWriter(&buf)

	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}
	part, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create %s part: %w", fileField, err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write %s part: %w", fileField, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
