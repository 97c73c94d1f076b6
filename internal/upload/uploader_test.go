package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyServer fronts a Store and injects failures.
type flakyServer struct {
	store *Store

	mu        sync.Mutex
	puts      map[int]int
	failFirst map[int]bool
	dropOnce  map[int]bool
	merges    int
}

func (f *flakyServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /uploads/{id}/chunks/{index}", func(w http.ResponseWriter, r *http.Request) {
		index, _ := strconv.Atoi(r.PathValue("index"))
		total, err := ParseTotal(r.URL.Query().Get("total"))
		if err != nil {
			writeError(w, err)
			return
		}

		f.mu.Lock()
		f.puts[index]++
		attempt := f.puts[index]
		fail := f.failFirst[index] && attempt == 1
		drop := f.dropOnce[index] && attempt == 1
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if drop {
			w.WriteHeader(http.StatusOK)
			return
		}
		if _, err := f.store.PutChunk(r.Context(), r.PathValue("id"), index, total, r.Body); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /uploads/{id}/merge", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Filename string `json:"filename"`
			Total    int    `json:"total"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.merges++
		f.mu.Unlock()
		asset, err := f.store.Merge(r.Context(), r.PathValue("id"), body.Filename, body.Total)
		if err != nil {
			writeError(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(asset)
	})
	return mux
}

func writeError(w http.ResponseWriter, err error) {
	status, body := ErrorResponse(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestUploaderRetriesAndResendsMissingChunk(t *testing.T) {
	fs := &flakyServer{
		store:     newTestStore(t, 1<<20),
		puts:      map[int]int{},
		failFirst: map[int]bool{0: true},
		dropOnce:  map[int]bool{2: true},
	}
	srv := httptest.NewServer(fs.routes())
	defer srv.Close()

	u := NewUploader(srv.URL, "")
	u.ChunkSize = 4
	u.Backoff = time.Millisecond

	payload := []byte("0123456789")
	asset, err := u.Upload(context.Background(), "up", "digits.txt", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, int64(10), asset.Size)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, 2, fs.puts[0])
	assert.Equal(t, 1, fs.puts[1])
	assert.Equal(t, 2, fs.puts[2])
	assert.Equal(t, 2, fs.merges)
}

func TestUploaderDoesNotRetryClientErrors(t *testing.T) {
	fs := &flakyServer{store: newTestStore(t, 1<<20), puts: map[int]int{}}
	srv := httptest.NewServer(fs.routes())
	defer srv.Close()

	u := NewUploader(srv.URL, "")
	u.ChunkSize = 4
	u.Backoff = time.Millisecond

	payload := []byte("abc")
	_, err := u.Upload(context.Background(), "bad id!", "x", bytes.NewReader(payload), int64(len(payload)))
	require.Error(t, err)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, 1, fs.puts[0])
}

func TestUploaderGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	u := NewUploader(srv.URL, "tok")
	u.Retries = 2
	u.Backoff = time.Millisecond

	_, err := u.Upload(context.Background(), "up", "x", bytes.NewReader([]byte("a")), 1)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
