package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
)

// ErrorBody is the JSON error shape of the upload endpoints.
type ErrorBody struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	MissingIndex *int   `json:"missing_index,omitempty"`
}

// Uploader is the producing side: it splits a file into chunks, PUTs each
// with a fixed number of retries and asks the server to merge.
type Uploader struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	ChunkSize  int64
	Retries    uint64
	Backoff    time.Duration
}

func NewUploader(baseURL, token string) *Uploader {
	return &Uploader{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		ChunkSize:  5 << 20,
		Retries:    3,
		Backoff:    200 * time.Millisecond,
	}
}

// Upload sends size bytes of src as uploadID and returns the merged asset.
func (u *Uploader) Upload(ctx context.Context, uploadID, filename string, src io.ReaderAt, size int64) (Asset, error) {
	if size <= 0 || u.ChunkSize <= 0 {
		return Asset{}, fmt.Errorf("%w: nothing to upload", ErrInvalidUpload)
	}
	total := int((size + u.ChunkSize - 1) / u.ChunkSize)

	for i := 0; i < total; i++ {
		if err := u.sendChunk(ctx, uploadID, i, total, src, size); err != nil {
			return Asset{}, err
		}
	}

	asset, err := u.merge(ctx, uploadID, filename, total)
	var missing *MissingChunkError
	if errors.As(err, &missing) {
		logger.L().Info("resending missing chunk", zap.String("upload_id", uploadID), zap.Int("index", missing.Index))
		if err := u.sendChunk(ctx, uploadID, missing.Index, total, src, size); err != nil {
			return Asset{}, err
		}
		return u.merge(ctx, uploadID, filename, total)
	}
	return asset, err
}

func (u *Uploader) sendChunk(ctx context.Context, uploadID string, index, total int, src io.ReaderAt, size int64) error {
	off := int64(index) * u.ChunkSize
	n := u.ChunkSize
	if off+n > size {
		n = size - off
	}
	endpoint := fmt.Sprintf("%s/uploads/%s/chunks/%d?total=%d", u.BaseURL, url.PathEscape(uploadID), index, total)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, io.NewSectionReader(src, off, n))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = n
		req.Header.Set("Content-Type", "application/octet-stream")
		u.authorize(req)

		resp, err := u.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		err = decodeError(resp)
		if resp.StatusCode < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(u.Backoff), u.Retries), ctx)
	notify := func(err error, wait time.Duration) {
		logger.L().Debug("chunk retry", zap.String("upload_id", uploadID), zap.Int("index", index), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("chunk %d: %w", index, err)
	}
	return nil
}

func (u *Uploader) merge(ctx context.Context, uploadID, filename string, total int) (Asset, error) {
	payload, err := json.Marshal(map[string]any{"filename": filename, "total": total})
	if err != nil {
		return Asset{}, err
	}
	endpoint := fmt.Sprintf("%s/uploads/%s/merge", u.BaseURL, url.PathEscape(uploadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Asset{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	u.authorize(req)

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("merge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Asset{}, decodeError(resp)
	}
	var asset Asset
	if err := json.NewDecoder(resp.Body).Decode(&asset); err != nil {
		return Asset{}, fmt.Errorf("decode asset: %w", err)
	}
	return asset, nil
}

func (u *Uploader) authorize(req *http.Request) {
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}
}

func decodeError(resp *http.Response) error {
	var body ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("upload: status %d", resp.StatusCode)
	}
	if body.Code == "missing_chunk" && body.MissingIndex != nil {
		return &MissingChunkError{Index: *body.MissingIndex}
	}
	switch body.Code {
	case "too_large":
		return ErrTooLarge
	case "chunk_too_large":
		return ErrChunkTooLarge
	}
	return fmt.Errorf("upload: status %d: %s", resp.StatusCode, body.Error)
}

// ErrorResponse renders err as the JSON body and status the upload endpoints reply with.
func ErrorResponse(err error) (int, ErrorBody) {
	var missing *MissingChunkError
	switch {
	case errors.As(err, &missing):
		idx := missing.Index
		return http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: "missing_chunk", MissingIndex: &idx}
	case errors.Is(err, ErrTooLarge):
		return http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: "too_large"}
	case errors.Is(err, ErrChunkTooLarge):
		return http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: "chunk_too_large"}
	case errors.Is(err, ErrInvalidUpload):
		return http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: "invalid"}
	case errors.Is(err, ErrMergeInProgress):
		return http.StatusConflict, ErrorBody{Error: err.Error(), Code: "merge_in_progress"}
	}
	return http.StatusInternalServerError, ErrorBody{Error: "upload failed", Code: "internal"}
}

// ParseTotal reads the chunk count carried as a query parameter.
func ParseTotal(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: total %q", ErrInvalidUpload, raw)
	}
	return n, nil
}
