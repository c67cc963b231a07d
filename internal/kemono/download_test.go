package kemono

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fileServer(t *testing.T, payload []byte) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/data/f.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload)
	})
	return newTestClient(t, mux)
}

func TestDownloadFileBasic(t *testing.T) {
	payload := []byte("hello file content")
	c := fileServer(t, payload)
	dest := filepath.Join(t.TempDir(), "sub", "f.bin")

	var started, completed bool
	var progressed int64
	cb := Callbacks{
		OnStart:    func(name string, size int64) { started = true; require.EqualValues(t, len(payload), size) },
		OnProgress: func(name string, downloaded, size int64) { progressed = downloaded },
		OnComplete: func(name string, ok bool) { completed = ok },
	}

	require.NoError(t, c.DownloadFile(c.BaseURL()+"/data/f.bin", dest, cb))
	require.True(t, started)
	require.True(t, completed)
	require.EqualValues(t, len(payload), progressed)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = os.Stat(dest + ".tmp")
	require.True(t, os.IsNotExist(err), "temp file must be gone after completion")
}

func TestDownloadFileSkipsCompleteExisting(t *testing.T) {
	payload := []byte("already here")
	c := fileServer(t, payload)
	dest := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(dest, payload, 0644))

	var completed bool
	require.NoError(t, c.DownloadFile(c.BaseURL()+"/data/f.bin", dest, Callbacks{
		OnComplete: func(name string, ok bool) { completed = ok },
	}))
	require.True(t, completed, "size match counts as satisfied")

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no duplicate copy for a satisfied file")
}

func TestDownloadFileSuffixesOnSizeMismatch(t *testing.T) {
	payload := []byte("fresh copy of the file")
	c := fileServer(t, payload)
	dir := t.TempDir()
	dest := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(dest, []byte("short"), 0644))

	require.NoError(t, c.DownloadFile(c.BaseURL()+"/data/f.bin", dest, Callbacks{}))

	// Original stays untouched, new copy lands under " (1)".
	old, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "short", string(old))

	fresh, err := os.ReadFile(filepath.Join(dir, "f (1).bin"))
	require.NoError(t, err)
	require.Equal(t, payload, fresh)
}

func TestDownloadFileCancelledMidStream(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/data/big.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		<-release
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	c := New(Options{BaseURL: server.URL, RetryDelay: 10 * time.Millisecond}, testLogger())
	dest := filepath.Join(t.TempDir(), "big.bin")

	done := make(chan error, 1)
	go func() {
		done <- c.DownloadFile(server.URL+"/data/big.bin", dest, Callbacks{})
	}()
	time.Sleep(100 * time.Millisecond)
	c.Stop()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not observe cancellation")
	}

	// No partial data under either the destination or the temp name.
	_, err := os.Stat(dest)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(dest + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestDownloadFileTruncatedStreamRetries(t *testing.T) {
	payload := []byte(strings.Repeat("x", 4096))
	var attempts int
	mux := http.NewServeMux()
	mux.HandleFunc("/data/f.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		attempts++
		if attempts == 1 {
			// Short body: client sees an unexpected EOF and retries.
			w.(http.Flusher).Flush()
			conn, _, _ := w.(http.Hijacker).Hijack()
			conn.Close()
			return
		}
		w.Write(payload)
	})
	c := newTestClient(t, mux)
	dest := filepath.Join(t.TempDir(), "f.bin")

	require.NoError(t, c.DownloadFile(c.BaseURL()+"/data/f.bin", dest, Callbacks{}))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestUniquePathProbing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.Equal(t, path, uniquePath(path), "free name stays as-is")

	require.NoError(t, os.WriteFile(path, nil, 0644))
	require.Equal(t, filepath.Join(dir, "a (1).txt"), uniquePath(path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a (1).txt"), nil, 0644))
	require.Equal(t, filepath.Join(dir, "a (2).txt"), uniquePath(path))
}
