package client

import (
	"context"

	"github.com/goccy/go-json"
)

// Artifact is the committed file as returned by both upload paths.
type Artifact struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Filename  string          `json:"filename"`
	Size      int64           `json:"size"`
	Width     *int            `json:"width"`
	Height    *int            `json:"height"`
	Duration  *float64        `json:"duration"`
	Type      string          `json:"type"`
	Public    bool            `json:"public"`
	Domain    string          `json:"domain,omitempty"`
	Archive   json.RawMessage `json:"archive,omitempty"`
	Checksum  string          `json:"checksum"`
	CreatedAt int64           `json:"createdAt"`
}

type ChunkUpload struct {
	FileID      string
	FileName    string
	Index       int
	TotalChunks int
	Data        []byte
}

type ChunkAck struct {
	Message           string `json:"message"`
	AllChunksUploaded bool   `json:"allChunksUploaded"`
	UploadedChunks    int    `json:"uploadedChunks"`
	TotalChunks       int    `json:"totalChunks"`
}

type CompleteRequest struct {
	FileID       string `json:"fileId"`
	FileName     string `json:"fileName"`
	TotalChunks  int    `json:"totalChunks"`
	TotalSize    int64  `json:"totalSize"`
	Settings     string `json:"settings,omitempty"`
	CustomDomain string `json:"customDomain,omitempty"`
}

type DirectUpload struct {
	FileID       string
	FileName     string
	Data         []byte
	Settings     string
	CustomDomain string
}

// Transport moves upload requests to the ingest server.
type Transport interface {
	UploadChunk(ctx context.Context, chunk *ChunkUpload) (*ChunkAck, error)
	Reassemble(ctx context.Context, req *CompleteRequest) (*Artifact, error)
	UploadDirect(ctx context.Context, req *DirectUpload) (*Artifact, error)
	// Media looks up a committed artifact by id. A missing artifact is an
	// *APIError with status 404.
	Media(ctx context.Context, id string) (*Artifact, error)
}
