package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// chunkPhasePercent is the share of progress covered by chunk transfer; the
// rest is reported once reassembly has committed.
const chunkPhasePercent = 90

// File is the input to Upload.
type File struct {
	Name   string
	Size   int64
	Reader io.ReaderAt
}

type Options struct {
	// Settings is the raw JSON processing settings forwarded to the server.
	Settings     string
	CustomDomain string
	// Progress receives a non-decreasing percentage in [0, 100].
	Progress func(percent int)
}

// Scheduler splits files into chunks and uploads them with bounded
// concurrency, then asks the server to reassemble them.
type Scheduler struct {
	config    Config
	transport Transport
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewScheduler(config Config, transport Transport) *Scheduler {
	return &Scheduler{
		config:    config.withDefaults(),
		transport: transport,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// progressReporter serialises callbacks and drops values that would move
// progress backwards.
type progressReporter struct {
	mu       sync.Mutex
	fn       func(int)
	last     int
	uploaded int64
	total    int64
}

func (p *progressReporter) report(percent int) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent <= p.last {
		return
	}
	p.last = percent
	p.fn(percent)
}

func (p *progressReporter) addBytes(n int64) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	p.uploaded += n
	percent := int(p.uploaded * chunkPhasePercent / p.total)
	p.mu.Unlock()
	p.report(percent)
}

// Upload sends file and returns the committed artifact. Files up to the
// direct threshold are sent in one request.
func (s *Scheduler) Upload(ctx context.Context, file File, opts Options) (*Artifact, error) {
	if file.Size <= 0 {
		return nil, ErrEmptyFile
	}
	progress := &progressReporter{fn: opts.Progress, total: file.Size, last: -1}
	progress.report(0)

	if file.Size <= s.config.DirectThreshold {
		return s.uploadDirect(ctx, file, opts, progress)
	}
	return s.uploadChunked(ctx, file, opts, progress)
}

func (s *Scheduler) uploadDirect(ctx context.Context, file File, opts Options, progress *progressReporter) (*Artifact, error) {
	data := make([]byte, file.Size)
	if _, err := file.Reader.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read %s: %w", file.Name, err)
	}

	fileID := uuid.NewString()
	artifact, err := s.commit(ctx, fileID, func(attemptCtx context.Context) (*Artifact, error) {
		return s.transport.UploadDirect(attemptCtx, &DirectUpload{
			FileID:       fileID,
			FileName:     file.Name,
			Data:         data,
			Settings:     opts.Settings,
			CustomDomain: opts.CustomDomain,
		})
	})
	if err != nil {
		return nil, err
	}
	progress.report(100)
	return artifact, nil
}

func (s *Scheduler) uploadChunked(ctx context.Context, file File, opts Options, progress *progressReporter) (*Artifact, error) {
	fileID := uuid.NewString()
	chunkSize := s.config.ChunkSize
	totalChunks := int((file.Size + chunkSize - 1) / chunkSize)

	log.Debug().
		Str("fileId", fileID).
		Str("fileName", file.Name).
		Int64("size", file.Size).
		Int("totalChunks", totalChunks).
		Int("concurrency", s.config.Concurrency).
		Msg("[CLIENT] Starting chunked upload")

	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(chunkCtx)
	sem := semaphore.NewWeighted(int64(s.config.Concurrency))

	var (
		failOnce sync.Once
		failure  error
	)
	for index := 0; index < totalChunks; index++ {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		if gctx.Err() != nil {
			sem.Release(1)
			break
		}
		index := index
		g.Go(func() error {
			err := s.sendChunk(gctx, file, fileID, index, totalChunks, progress)
			if err != nil {
				// cancel before releasing the permit so no further chunk is
				// scheduled after a fatal failure
				failOnce.Do(func() { failure = err })
				cancel()
			}
			sem.Release(1)
			return err
		})
	}
	waitErr := g.Wait()
	if failure != nil {
		return nil, failure
	}
	if waitErr != nil {
		return nil, waitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	artifact, err := s.commit(ctx, fileID, func(attemptCtx context.Context) (*Artifact, error) {
		return s.transport.Reassemble(attemptCtx, &CompleteRequest{
			FileID:       fileID,
			FileName:     file.Name,
			TotalChunks:  totalChunks,
			TotalSize:    file.Size,
			Settings:     opts.Settings,
			CustomDomain: opts.CustomDomain,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reassemble %s: %w", fileID, err)
	}

	progress.report(100)
	log.Debug().Str("fileId", fileID).Msg("[CLIENT] Upload committed")
	return artifact, nil
}

func (s *Scheduler) sendChunk(ctx context.Context, file File, fileID string, index, totalChunks int, progress *progressReporter) error {
	offset := int64(index) * s.config.ChunkSize
	length := min(s.config.ChunkSize, file.Size-offset)
	data := make([]byte, length)
	if _, err := file.Reader.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read chunk %d: %w", index, err)
	}

	attempts := 0
	err := s.withRetries(ctx, Retryable, func(attemptCtx context.Context) error {
		attempts++
		_, err := s.transport.UploadChunk(attemptCtx, &ChunkUpload{
			FileID:      fileID,
			FileName:    file.Name,
			Index:       index,
			TotalChunks: totalChunks,
			Data:        data,
		})
		if err != nil {
			log.Debug().Err(err).Int("chunkIndex", index).Int("attempt", attempts).Msg("[CLIENT] Chunk attempt failed")
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil && attempts == 0 {
			return ctx.Err()
		}
		return &ChunkError{Index: index, Attempts: attempts, Err: err}
	}

	progress.addBytes(length)
	return nil
}

// commit sends a commit request keyed by fileID. An attempt whose answer is
// lost may still commit on the server, so every retry first looks the
// artifact up and resends only when the server has no record of it.
func (s *Scheduler) commit(ctx context.Context, fileID string, send func(ctx context.Context) (*Artifact, error)) (*Artifact, error) {
	var artifact *Artifact
	attempts := 0
	err := s.withRetries(ctx, commitRetryable, func(attemptCtx context.Context) error {
		attempts++
		if attempts > 1 {
			found, err := s.transport.Media(attemptCtx, fileID)
			if err == nil {
				log.Debug().Str("fileId", fileID).Int("attempt", attempts).Msg("[CLIENT] Commit found after lost response")
				artifact = found
				return nil
			}
			if !isNotFound(err) {
				return err
			}
		}
		var err error
		artifact, err = send(attemptCtx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// withRetries runs attempt up to 1+MaxRetries times, each under its own
// timeout, waiting RetryDelay between attempts while retryable allows it.
func (s *Scheduler) withRetries(ctx context.Context, retryable func(error) bool, attempt func(ctx context.Context) error) error {
	var lastErr error
	for try := 0; try <= s.config.MaxRetries; try++ {
		if try > 0 {
			if err := s.sleep(ctx, s.config.RetryDelay); err != nil {
				return lastErr
			}
		}
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
		lastErr = attempt(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
