package kemono

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const downloadChunkSize = 32 * 1024

// DownloadFile streams url into destPath through a temp file, retrying
// transient failures. The destination either does not exist or holds a
// complete response; partial data only ever lives under the ".tmp" name.
//
// An existing destination whose size equals the remote content-length is
// treated as already satisfied. When the sizes differ the new copy is placed
// under a " (N)" suffixed name instead of overwriting.
func (c *Client) DownloadFile(url, destPath string, cb Callbacks) error {
	return c.retry("download "+filepath.Base(destPath), func() error {
		return c.downloadOnce(url, destPath, cb)
	})
}

func (c *Client) downloadOnce(url, destPath string, cb Callbacks) error {
	name := filepath.Base(destPath)
	ok, err := c.tryDownload(url, destPath, name, cb)
	if cb.OnComplete != nil && (err == nil || !isTransient(err)) {
		cb.OnComplete(name, ok)
	}
	return err
}

func (c *Client) tryDownload(url, destPath, name string, cb Callbacks) (bool, error) {
	if c.stopped.Load() {
		return false, ErrCancelled
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return false, fmt.Errorf("failed to create dir: %w", err)
	}

	tempPath := destPath + ".tmp"
	os.Remove(tempPath) // residue from an earlier interrupted attempt

	_, fileClient, ctx := c.session()
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	setBrowserHeaders(req, false)

	resp, err := fileClient.Do(req)
	if err != nil {
		if c.stopped.Load() {
			return false, ErrCancelled
		}
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, statusToError(resp.StatusCode)
	}

	size := resp.ContentLength
	if size <= 0 {
		// Some hosts omit the header on GET; a HEAD usually has it.
		if n, err := c.HeadContentLength(url); err == nil {
			size = n
		}
	}

	// Existing complete file satisfies the download.
	if size > 0 {
		if info, err := os.Stat(destPath); err == nil && info.Size() == size {
			return true, nil
		}
	}

	if cb.OnStart != nil {
		cb.OnStart(name, size)
	}

	if err := c.streamTo(tempPath, resp.Body, name, size, cb); err != nil {
		os.Remove(tempPath)
		return false, err
	}

	finalPath := uniquePath(destPath)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return false, fmt.Errorf("failed to place file: %w", err)
	}
	return true, nil
}

func (c *Client) streamTo(tempPath string, body io.Reader, name string, size int64, cb Callbacks) error {
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	var downloaded int64
	buf := make([]byte, downloadChunkSize)
	for {
		if c.stopped.Load() {
			f.Close()
			return ErrCancelled
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				return fmt.Errorf("failed to write chunk: %w", err)
			}
			downloaded += int64(n)
			if cb.OnProgress != nil {
				cb.OnProgress(name, downloaded, size)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			if c.stopped.Load() {
				return ErrCancelled
			}
			return fmt.Errorf("stream failed: %w", readErr)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if size > 0 && downloaded != size {
		return fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, downloaded, size)
	}
	return nil
}

// uniquePath probes " (N)" suffixes before the extension until the name is
// unused.
func uniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, counter, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
