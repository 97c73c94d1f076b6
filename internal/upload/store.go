package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/observability"
)

var (
	ErrInvalidUpload   = errors.New("invalid upload request")
	ErrChunkTooLarge   = errors.New("chunk exceeds size limit")
	ErrTooLarge        = errors.New("upload exceeds size limit")
	ErrMergeInProgress = errors.New("merge already in progress")
)

// MissingChunkError names the first chunk index absent at merge time so the
// producer can resend just that piece.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Index)
}

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// Asset is an assembled upload ready to be attached to a message.
type Asset struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

type Options struct {
	ScratchDir    string
	AssetDir      string
	PublicBaseURL string
	MaxAssetBytes int64
	MaxChunkBytes int64
}

// Store keeps chunks in a scratch dir as {uploadId}_{index} and assembles
// them into the asset dir.
type Store struct {
	opts    Options
	newName func() string

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewStore(opts Options) (*Store, error) {
	for _, dir := range []string{opts.ScratchDir, opts.AssetDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{
		opts:     opts,
		newName:  uuid.NewString,
		inflight: make(map[string]struct{}),
	}, nil
}

// AssetDir is where assembled assets live.
func (s *Store) AssetDir() string { return s.opts.AssetDir }

func (s *Store) chunkPath(uploadID string, index int) string {
	return filepath.Join(s.opts.ScratchDir, uploadID+"_"+strconv.Itoa(index))
}

func validate(uploadID string, index, total int) error {
	if !uploadIDPattern.MatchString(uploadID) {
		return fmt.Errorf("%w: upload id", ErrInvalidUpload)
	}
	if total <= 0 || index < 0 || index >= total {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidUpload, index, total)
	}
	return nil
}

// PutChunk stores one chunk, replacing any earlier attempt at the same index.
// The body is written to a temp file and renamed into place, so a reader
// never observes a half-written chunk.
func (s *Store) PutChunk(ctx context.Context, uploadID string, index, total int, body io.Reader) (int64, error) {
	if err := validate(uploadID, index, total); err != nil {
		observability.IncUploadChunk("invalid")
		return 0, err
	}

	tmp, err := os.CreateTemp(s.opts.ScratchDir, ".part-*")
	if err != nil {
		observability.IncUploadChunk("error")
		return 0, fmt.Errorf("create chunk: %w", err)
	}
	n, err := io.Copy(tmp, io.LimitReader(body, s.opts.MaxChunkBytes+1))
	if err == nil && n > s.opts.MaxChunkBytes {
		err = ErrChunkTooLarge
	}
	if err == nil {
		err = ctx.Err()
	}
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), s.chunkPath(uploadID, index))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		if errors.Is(err, ErrChunkTooLarge) {
			observability.IncUploadChunk("too_large")
			return 0, err
		}
		observability.IncUploadChunk("error")
		return 0, fmt.Errorf("store chunk %d: %w", index, err)
	}

	observability.IncUploadChunk("ok")
	return n, nil
}

// Merge folds chunks [0,total) into a new asset in index order. Every chunk
// must be present before anything is written. Each chunk is deleted as soon
// as it has been copied.
func (s *Store) Merge(ctx context.Context, uploadID, filename string, total int) (Asset, error) {
	if err := validate(uploadID, 0, total); err != nil {
		return Asset{}, err
	}
	if !s.acquire(uploadID) {
		return Asset{}, ErrMergeInProgress
	}
	defer s.release(uploadID)

	var size int64
	for i := 0; i < total; i++ {
		info, err := os.Stat(s.chunkPath(uploadID, i))
		if errors.Is(err, os.ErrNotExist) {
			observability.ObserveUploadMerge("missing_chunk", 0)
			return Asset{}, &MissingChunkError{Index: i}
		}
		if err != nil {
			observability.ObserveUploadMerge("error", 0)
			return Asset{}, fmt.Errorf("stat chunk %d: %w", i, err)
		}
		size += info.Size()
	}
	if size > s.opts.MaxAssetBytes {
		observability.ObserveUploadMerge("too_large", 0)
		return Asset{}, ErrTooLarge
	}

	name := s.newName() + sanitizeExt(filename)
	digest, err := s.assemble(ctx, uploadID, total, name)
	if err != nil {
		observability.ObserveUploadMerge("error", 0)
		logger.L().Warn("merge failed", zap.String("upload_id", uploadID), zap.Error(err))
		return Asset{}, err
	}

	asset := Asset{
		URL:    strings.TrimRight(s.opts.PublicBaseURL, "/") + "/" + name,
		Name:   displayName(filename),
		Size:   size,
		Digest: digest,
	}
	observability.ObserveUploadMerge("ok", size)
	observability.PublishEvent(ctx, "uploads.merged", observability.NewEnvelope("uploads", "asset_merged", map[string]interface{}{
		"upload_id": uploadID,
		"url":       asset.URL,
		"size":      asset.Size,
		"digest":    asset.Digest,
	}), nil)
	logger.L().Info("asset merged", zap.String("upload_id", uploadID), zap.String("url", asset.URL), zap.Int64("size", size))
	return asset, nil
}

// assemble copies one chunk at a time into a hidden temp file in the asset
// dir and renames it to name on success. Any failure removes the temp file.
func (s *Store) assemble(ctx context.Context, uploadID string, total int, name string) (digest string, err error) {
	out, err := os.CreateTemp(s.opts.AssetDir, ".merge-*")
	if err != nil {
		return "", fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(out.Name())
		}
	}()

	hasher := blake3.New()
	w := io.MultiWriter(out, hasher)
	buf := make([]byte, 64<<10)
	for i := 0; i < total; i++ {
		if err = ctx.Err(); err != nil {
			return "", err
		}
		if err = appendChunk(w, s.chunkPath(uploadID, i), buf); err != nil {
			return "", fmt.Errorf("chunk %d: %w", i, err)
		}
	}

	if err = out.Chmod(0o644); err != nil {
		return "", err
	}
	if err = out.Close(); err != nil {
		return "", fmt.Errorf("close output: %w", err)
	}
	if err = os.Rename(out.Name(), filepath.Join(s.opts.AssetDir, name)); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("publish asset: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func appendChunk(w io.Writer, path string, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	_, err = io.CopyBuffer(w, f, buf)
	closeErr := f.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	return os.Remove(path)
}

func (s *Store) acquire(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[uploadID]; busy {
		return false
	}
	s.inflight[uploadID] = struct{}{}
	return true
}

func (s *Store) release(uploadID string) {
	s.mu.Lock()
	delete(s.inflight, uploadID)
	s.mu.Unlock()
}

// sanitizeExt keeps a short lowercase alphanumeric extension and drops anything else.
func sanitizeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if extPattern.MatchString(ext) {
		return ext
	}
	return ""
}

func displayName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}
