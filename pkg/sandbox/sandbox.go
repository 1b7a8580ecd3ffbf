// Package sandbox is the client for the external code-execution service.
// Each user gets one sandbox at a time, addressed by an opaque handle the
// service hands out; handles are reused across turns and re-acquired
// transparently when the service expires them.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/logger"
)

// maxDownloadBytes bounds a single file pulled out of a sandbox
const maxDownloadBytes = int64(512) << 20

// ExecResult is one code run. Duration is the billable wall time as
// measured by the service.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timed_out"`
}

// RemoteFile describes a file inside a sandbox
type RemoteFile struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Options configures the client
type Options struct {
	BaseURL string
	APIKey  string
	// HTTPTimeout bounds every request except exec, which derives its own
	// deadline from the run timeout
	HTTPTimeout time.Duration
}

// Client talks to the sandbox service and caches one handle per user
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	mu      sync.Mutex
	handles map[int64]string
}

// New creates a sandbox client
func New(opts Options) *Client {
	timeout := opts.HTTPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: timeout},
		handles: make(map[int64]string),
	}
}

// Forget drops a user's cached handle so the next call acquires a fresh
// sandbox
func (c *Client) Forget(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, userID)
}

// Upload stages bytes at path inside the user's sandbox
func (c *Client) Upload(ctx context.Context, userID int64, path string, data []byte) error {
	return c.withHandle(ctx, userID, func(handle string) error {
		u := fmt.Sprintf("%s/v1/sandboxes/%s/files?path=%s", c.baseURL, handle, url.QueryEscape(path))
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
		if err != nil {
			return errors.Wrap(err, "failed to create upload request")
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		var ignored struct{}
		return c.do(req, &ignored)
	})
}

type execRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type execResponse struct {
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"duration_seconds"`
	TimedOut        bool    `json:"timed_out"`
}

// Exec runs Python code in the user's sandbox and blocks until it
// finishes or the run timeout lapses service-side. The HTTP deadline gets
// a grace period on top of the run timeout.
func (c *Client) Exec(ctx context.Context, userID int64, code string, timeout time.Duration) (*ExecResult, error) {
	var result *ExecResult
	err := c.withHandle(ctx, userID, func(handle string) error {
		body, err := json.Marshal(execRequest{
			Code:           code,
			TimeoutSeconds: int(timeout / time.Second),
		})
		if err != nil {
			return errors.Wrap(err, "failed to marshal exec request")
		}

		execCtx, cancel := context.WithTimeout(ctx, timeout+30*time.Second)
		defer cancel()

		u := fmt.Sprintf("%s/v1/sandboxes/%s/exec", c.baseURL, handle)
		req, err := http.NewRequestWithContext(execCtx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "failed to create exec request")
		}
		req.Header.Set("Content-Type", "application/json")

		var resp execResponse
		if err := c.do(req, &resp); err != nil {
			return err
		}
		result = &ExecResult{
			Stdout:   resp.Stdout,
			Stderr:   resp.Stderr,
			ExitCode: resp.ExitCode,
			Duration: time.Duration(float64(time.Second) * resp.DurationSeconds),
			TimedOut: resp.TimedOut,
		}
		return nil
	})
	return result, err
}

// ListSince returns files under dir modified at or after since
func (c *Client) ListSince(ctx context.Context, userID int64, dir string, since time.Time) ([]RemoteFile, error) {
	var files []RemoteFile
	err := c.withHandle(ctx, userID, func(handle string) error {
		u := fmt.Sprintf("%s/v1/sandboxes/%s/files?dir=%s&since=%s",
			c.baseURL, handle, url.QueryEscape(dir), url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return errors.Wrap(err, "failed to create list request")
		}

		var resp struct {
			Files []RemoteFile `json:"files"`
		}
		if err := c.do(req, &resp); err != nil {
			return err
		}
		files = resp.Files
		return nil
	})
	return files, err
}

// Harvest lists files under dir modified since the given time and keeps
// those whose dir-relative path matches the doublestar pattern.
func (c *Client) Harvest(ctx context.Context, userID int64, dir, pattern string, since time.Time) ([]RemoteFile, error) {
	files, err := c.ListSince(ctx, userID, dir, since)
	if err != nil {
		return nil, err
	}

	var matched []RemoteFile
	for _, f := range files {
		rel := strings.TrimPrefix(strings.TrimPrefix(f.Path, dir), "/")
		ok, err := doublestar.Match(pattern, rel)
		if err != nil {
			return nil, errors.Wrapf(err, "bad harvest pattern %q", pattern)
		}
		if ok {
			matched = append(matched, f)
		}
	}
	return matched, nil
}

// Download pulls one file out of the user's sandbox
func (c *Client) Download(ctx context.Context, userID int64, path string) ([]byte, error) {
	var data []byte
	err := c.withHandle(ctx, userID, func(handle string) error {
		u := fmt.Sprintf("%s/v1/sandboxes/%s/files/content?path=%s", c.baseURL, handle, url.QueryEscape(path))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return errors.Wrap(err, "failed to create download request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		res, err := c.http.Do(req)
		if err != nil {
			return errors.Wrap(err, "sandbox request failed")
		}
		defer func() { _ = res.Body.Close() }()

		if res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone {
			return errStaleHandle
		}
		if res.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			return errors.Errorf("sandbox returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		}

		data, err = io.ReadAll(io.LimitReader(res.Body, maxDownloadBytes))
		return errors.Wrap(err, "failed to read sandbox file")
	})
	return data, err
}

// errStaleHandle marks a handle the service no longer recognizes
var errStaleHandle = errors.New("sandbox handle expired")

// withHandle runs fn with the user's sandbox handle, acquiring one on
// first use and re-acquiring once when the cached handle has expired.
func (c *Client) withHandle(ctx context.Context, userID int64, fn func(handle string) error) error {
	handle, err := c.acquire(ctx, userID, false)
	if err != nil {
		return err
	}

	err = fn(handle)
	if !errors.Is(err, errStaleHandle) {
		return err
	}

	logger.G(ctx).WithField("user_id", userID).Debug("sandbox handle expired, re-acquiring")
	handle, err = c.acquire(ctx, userID, true)
	if err != nil {
		return err
	}
	return fn(handle)
}

// acquire returns the user's cached handle or creates a sandbox
func (c *Client) acquire(ctx context.Context, userID int64, force bool) (string, error) {
	c.mu.Lock()
	if !force {
		if h, ok := c.handles[userID]; ok {
			c.mu.Unlock()
			return h, nil
		}
	}
	c.mu.Unlock()

	body, err := json.Marshal(map[string]any{"label": fmt.Sprintf("user-%d", userID)})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal create request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sandboxes", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to create sandbox request")
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("sandbox service returned no id")
	}

	c.mu.Lock()
	c.handles[userID] = resp.ID
	c.mu.Unlock()
	return resp.ID, nil
}

// do sends a request with auth and decodes a JSON response into dest
func (c *Client) do(req *http.Request, dest any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "sandbox request failed")
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone {
		return errStaleHandle
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return errors.Errorf("sandbox returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxDownloadBytes))
	if err != nil {
		return errors.Wrap(err, "failed to read sandbox response")
	}
	if len(body) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(body, dest), "failed to decode sandbox response")
}
