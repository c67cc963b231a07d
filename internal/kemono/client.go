// Package kemono talks to the remote content host: profile and post JSON
// endpoints plus streamed file downloads. The client owns the cookie jar, the
// process-wide cancellation flag and the retry wrapper; the downloader never
// touches net/http directly.
package kemono

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"project-mirage/internal/model"
	"project-mirage/internal/proxy"
)

const (
	// DefaultBaseURL is the production host. Tests point BaseURL at httptest.
	DefaultBaseURL = "https://kemono.cr"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0"

	// PageSize is the server's fixed pagination for the posts endpoint.
	PageSize = 50

	// maxPageFetchers bounds the concurrent page fetches in GetAllPosts.
	maxPageFetchers = 5
)

// Sentinel errors. ErrCancelled is a first-class outcome, not a failure;
// every layer above translates it to "abort the unit of work".
var (
	ErrCancelled = errors.New("request cancelled")
	ErrNotFound  = errors.New("remote resource not found")
	ErrMalformed = errors.New("remote response malformed")
)

// Options tunes one Client. Zero values fall back to the defaults the
// operator config carries.
type Options struct {
	BaseURL       string
	Timeout       time.Duration // JSON requests
	StreamTimeout time.Duration // response-header wait on streamed downloads
	RetryDelay    time.Duration // fixed sleep between retry attempts
	RateLimit     float64       // requests per second, 0 disables
	Pool          proxy.Pool    // nil means direct connections
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BaseURL == "" {
		out.BaseURL = DefaultBaseURL
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.StreamTimeout <= 0 {
		out.StreamTimeout = 60 * time.Second
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 5 * time.Second
	}
	return out
}

// Callbacks fire around one file download. Nil fields are skipped.
type Callbacks struct {
	OnStart    func(name string, size int64)
	OnProgress func(name string, downloaded, size int64)
	OnComplete func(name string, ok bool)
}

// Client is the session against the remote host. Stop tears the session down
// (aborting in-flight requests); Resume rebuilds it. Safe for concurrent use.
type Client struct {
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter

	stopped atomic.Bool

	// mu guards the rebuildable session state below.
	mu         sync.Mutex
	jsonClient *http.Client
	fileClient *http.Client
	sessionCtx context.Context
	sessionEnd context.CancelFunc
}

// New builds the client and performs the landing-page GET to harvest session
// cookies. A failed landing fetch is a warning; the API may still work.
func New(opts Options, log *slog.Logger) *Client {
	c := &Client{opts: opts.withDefaults(), log: log}
	if c.opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(c.opts.RateLimit), 1)
	}
	c.buildSession()
	c.Init()
	return c
}

// BaseURL returns the host this client talks to.
func (c *Client) BaseURL() string {
	return c.opts.BaseURL
}

func (c *Client) buildSession() {
	jar, _ := cookiejar.New(nil)
	transport := &http.Transport{
		Proxy:               c.proxyFunc,
		MaxIdleConnsPerHost: 16,
	}
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.jsonClient = &http.Client{Jar: jar, Transport: transport, Timeout: c.opts.Timeout}
	// The stream client has no total timeout so large files can finish;
	// cancellation and the header timeout bound it instead.
	c.fileClient = &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			Proxy:                 c.proxyFunc,
			MaxIdleConnsPerHost:   16,
			ResponseHeaderTimeout: c.opts.StreamTimeout,
		},
	}
	c.sessionCtx = ctx
	c.sessionEnd = cancel
	c.mu.Unlock()
}

func (c *Client) proxyFunc(*http.Request) (*url.URL, error) {
	if c.opts.Pool == nil {
		return nil, nil
	}
	return c.opts.Pool.Next(), nil
}

func (c *Client) session() (*http.Client, *http.Client, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jsonClient, c.fileClient, c.sessionCtx
}

// Init fetches the landing page so the jar picks up session cookies.
func (c *Client) Init() {
	jsonClient, _, ctx := c.session()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL, nil)
	if err != nil {
		return
	}
	setBrowserHeaders(req, true)
	resp, err := jsonClient.Do(req)
	if err != nil {
		c.log.Warn("session init failed", "error", err)
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	c.log.Info("session initialized", "cookies", len(jsonClient.Jar.Cookies(req.URL)))
}

// Stop sets the cancellation flag and aborts every in-flight request by
// cancelling the session context. In-flight calls surface ErrCancelled.
func (c *Client) Stop() {
	c.stopped.Store(true)
	c.mu.Lock()
	if c.sessionEnd != nil {
		c.sessionEnd()
	}
	c.mu.Unlock()
	c.log.Info("session stopped")
}

// Resume clears the flag and rebuilds the session so future requests work.
func (c *Client) Resume() {
	c.stopped.Store(false)
	c.buildSession()
	c.Init()
	c.log.Info("session resumed")
}

// Cancelled reports the cancellation flag. The downloader checks it at every
// loop boundary.
func (c *Client) Cancelled() bool {
	return c.stopped.Load()
}

func setBrowserHeaders(req *http.Request, landing bool) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Connection", "keep-alive")
	if landing {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Upgrade-Insecure-Requests", "1")
	} else {
		req.Header.Set("Accept", "text/css")
	}
}

// retry runs fn until it succeeds, retrying only transient network failures
// with the fixed delay. The cancellation flag wins over the sleep; non-network
// errors propagate immediately.
func (c *Client) retry(op string, fn func() error) error {
	for {
		if c.stopped.Load() {
			return ErrCancelled
		}
		err := fn()
		if err == nil {
			return nil
		}
		if c.stopped.Load() || errors.Is(err, ErrCancelled) {
			return ErrCancelled
		}
		if !isTransient(err) {
			return err
		}
		c.log.Warn("network error, will retry", "op", op, "delay", c.opts.RetryDelay, "error", err)

		_, _, ctx := c.session()
		select {
		case <-time.After(c.opts.RetryDelay):
		case <-ctx.Done():
			return ErrCancelled
		}
	}
}

// transientStatusError marks an HTTP status worth retrying (server-side or
// throttling). Non-transient statuses map to ErrNotFound instead.
type transientStatusError struct {
	status int
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("server returned %d", e.status)
}

func isTransient(err error) bool {
	var statusErr *transientStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// statusToError classifies a non-2xx response per the error taxonomy.
func statusToError(status int) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return &transientStatusError{status: status}
	}
	return fmt.Errorf("%w: status %d", ErrNotFound, status)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return ErrCancelled
	}
	return nil
}

// getJSON performs one GET and decodes the body into v. No retries here; the
// retry wrapper sits above.
func (c *Client) getJSON(rawURL string, v any) error {
	if c.stopped.Load() {
		return ErrCancelled
	}
	jsonClient, _, ctx := c.session()
	if err := c.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	setBrowserHeaders(req, false)

	resp, err := jsonClient.Do(req)
	if err != nil {
		if c.stopped.Load() {
			return ErrCancelled
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return statusToError(resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// GetProfile fetches the artist's remote profile, retrying transient errors.
func (c *Client) GetProfile(service, userID string) (*model.Profile, error) {
	var profile model.Profile
	url := fmt.Sprintf("%s/api/v1/%s/user/%s/profile", c.opts.BaseURL, service, userID)
	err := c.retry("get profile "+service+"/"+userID, func() error {
		return c.getJSON(url, &profile)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetPosts fetches one page of the artist's post list at the given offset.
func (c *Client) GetPosts(service, userID string, offset int) ([]model.Post, error) {
	url := fmt.Sprintf("%s/api/v1/%s/user/%s/posts", c.opts.BaseURL, service, userID)
	if offset > 0 {
		url += "?o=" + strconv.Itoa(offset)
	}
	var posts []model.Post
	err := c.retry(fmt.Sprintf("get posts %s/%s offset %d", service, userID, offset), func() error {
		posts = nil
		return c.getJSON(url, &posts)
	})
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// postEnvelope is the wrapper the single-post endpoint returns.
type postEnvelope struct {
	Post model.Post `json:"post"`
}

// GetPost fetches one full post record.
func (c *Client) GetPost(service, userID, postID string) (*model.Post, error) {
	url := fmt.Sprintf("%s/api/v1/%s/user/%s/post/%s", c.opts.BaseURL, service, userID, postID)
	var envelope postEnvelope
	err := c.retry("get post "+postID, func() error {
		envelope = postEnvelope{}
		return c.getJSON(url, &envelope)
	})
	if err != nil {
		return nil, err
	}
	return &envelope.Post, nil
}

// GetAllPosts fetches the artist's full post list: one profile probe to learn
// the count, then the pages concurrently with a small bounded pool, merged in
// page order.
func (c *Client) GetAllPosts(service, userID string) ([]model.Post, error) {
	profile, err := c.GetProfile(service, userID)
	if err != nil {
		return nil, err
	}
	totalPages := (profile.PostCount + PageSize - 1) / PageSize
	if totalPages == 0 {
		return []model.Post{}, nil
	}
	if totalPages == 1 {
		return c.GetPosts(service, userID, 0)
	}

	pages := make([][]model.Post, totalPages)
	g := new(errgroup.Group)
	g.SetLimit(maxPageFetchers)
	for page := 0; page < totalPages; page++ {
		g.Go(func() error {
			batch, err := c.GetPosts(service, userID, page*PageSize)
			if err != nil {
				return err
			}
			pages[page] = batch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([]model.Post, 0, profile.PostCount)
	for _, batch := range pages {
		all = append(all, batch...)
	}
	return all, nil
}

// HeadContentLength asks the server for a file's size, retrying transient
// errors. Returns 0 when the server does not report one.
func (c *Client) HeadContentLength(rawURL string) (int64, error) {
	var length int64
	err := c.retry("head "+rawURL, func() error {
		var err error
		length, err = c.headOnce(rawURL)
		return err
	})
	return length, err
}

func (c *Client) headOnce(rawURL string) (int64, error) {
	if c.stopped.Load() {
		return 0, ErrCancelled
	}
	jsonClient, _, ctx := c.session()
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	setBrowserHeaders(req, false)

	resp, err := jsonClient.Do(req)
	if err != nil {
		if c.stopped.Load() {
			return 0, ErrCancelled
		}
		return 0, fmt.Errorf("head failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusToError(resp.StatusCode)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err == nil && n >= 0 {
			return n, nil
		}
	}
	return 0, nil
}

// ResolveFileURL resolves a possibly-relative attachment path against the
// base URL.
func (c *Client) ResolveFileURL(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.opts.BaseURL + path
}
