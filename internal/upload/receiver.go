package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type ChunkRequest struct {
	FileID      string
	ChunkIndex  int
	TotalChunks int
	FileName    string
	Data        []byte
}

type ChunkResponse struct {
	Message           string `json:"message"`
	AllChunksUploaded bool   `json:"allChunksUploaded"`
	UploadedChunks    int    `json:"uploadedChunks"`
	TotalChunks       int    `json:"totalChunks"`
}

// Receiver stages single chunks. Its completeness report is advisory; the
// client decides when to ask for reassembly.
type Receiver struct {
	config   *Config
	staging  *Staging
	sessions *SessionTracker
	metrics  *Metrics
}

func NewReceiver(config *Config, staging *Staging, sessions *SessionTracker, metrics *Metrics) *Receiver {
	return &Receiver{
		config:   config,
		staging:  staging,
		sessions: sessions,
		metrics:  metrics,
	}
}

func (r *Receiver) validate(req *ChunkRequest) error {
	switch {
	case !ValidFileID(req.FileID):
		return fmt.Errorf("%w: fileId is missing or malformed", ErrValidation)
	case req.FileName == "":
		return fmt.Errorf("%w: fileName is required", ErrValidation)
	case req.TotalChunks < 1:
		return fmt.Errorf("%w: totalChunks must be at least 1", ErrValidation)
	case req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks:
		return fmt.Errorf("%w: chunkIndex %d out of range", ErrValidation, req.ChunkIndex)
	case len(req.Data) == 0:
		return fmt.Errorf("%w: chunk is empty", ErrValidation)
	case int64(len(req.Data)) > r.config.MaxChunkSize:
		return fmt.Errorf("%w: chunk of %d bytes exceeds the %d byte limit", ErrValidation, len(req.Data), r.config.MaxChunkSize)
	}
	return nil
}

// ReceiveChunk stages one chunk and reports how many of the upload's chunks
// are now present. Re-sending an index replaces its bytes.
func (r *Receiver) ReceiveChunk(ctx context.Context, ownerID string, req *ChunkRequest) (*ChunkResponse, error) {
	if err := r.validate(req); err != nil {
		r.metrics.ChunkFailures.WithLabelValues("validation").Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.ChunkTimeout)
	defer cancel()

	type result struct {
		resp *ChunkResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := r.stage(ctx, ownerID, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.metrics.ChunkFailures.WithLabelValues(failureReason(res.err)).Inc()
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		r.metrics.ChunkFailures.WithLabelValues("timeout").Inc()
		log.Warn().Str("fileId", req.FileID).Int("chunkIndex", req.ChunkIndex).Msg("[UPLOAD] Chunk handling timed out")
		return nil, fmt.Errorf("%w: chunk %d of %s", ErrTimeout, req.ChunkIndex, req.FileID)
	}
}

func (r *Receiver) stage(ctx context.Context, ownerID string, req *ChunkRequest) (*ChunkResponse, error) {
	if err := r.sessions.BeginChunk(req.FileID, req.FileName, ownerID, req.TotalChunks); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := r.staging.WriteChunk(ctx, req.FileID, req.ChunkIndex, req.Data); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: chunk %d of %s", ErrTimeout, req.ChunkIndex, req.FileID)
		}
		log.Error().Err(err).Str("fileId", req.FileID).Int("chunkIndex", req.ChunkIndex).Msg("[UPLOAD] Failed to stage chunk")
		return nil, err
	}

	staged, err := r.staging.StagedIndices(req.FileID, req.TotalChunks)
	if err != nil {
		return nil, err
	}
	r.sessions.RecordProgress(req.FileID, len(staged))

	r.metrics.ChunksReceived.Inc()
	r.metrics.ChunkBytesReceived.Add(float64(len(req.Data)))

	complete := len(staged) == req.TotalChunks
	log.Debug().
		Str("fileId", req.FileID).
		Int("chunkIndex", req.ChunkIndex).
		Int("uploadedChunks", len(staged)).
		Int("totalChunks", req.TotalChunks).
		Dur("took", time.Since(start)).
		Msg("[UPLOAD] Chunk staged")

	return &ChunkResponse{
		Message:           fmt.Sprintf("Chunk %d of %d uploaded", req.ChunkIndex+1, req.TotalChunks),
		AllChunksUploaded: complete,
		UploadedChunks:    len(staged),
		TotalChunks:       req.TotalChunks,
	}, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrWriteVerification):
		return "write_verification"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUploadInProgress), errors.Is(err, ErrAlreadyCommitted):
		return "conflict"
	default:
		return "error"
	}
}
