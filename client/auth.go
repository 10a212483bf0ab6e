package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// AuthProvider exchanges out-of-band credentials for a connection token.
type AuthProvider interface {
	Token(ctx context.Context, roomID string) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context, string) (string, error) {
	if t == "" {
		return "", &AuthorizationError{Message: "empty token"}
	}
	return string(t), nil
}

// HTTPAuthProvider posts credentials to an auth endpoint and reads back
// {"token": "..."}. Rate limiting and server errors are retried with
// exponential backoff, waiting for Retry-After when the server sends one.
// Rejections are returned as AuthorizationError.
type HTTPAuthProvider struct {
	url         string
	credentials any
	httpClient  *http.Client
	maxRetries  uint64
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewHTTPAuthProvider(url string, credentials any, httpClient *http.Client) *HTTPAuthProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAuthProvider{
		url:         strings.TrimSpace(url),
		credentials: credentials,
		httpClient:  httpClient,
		maxRetries:  3,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
	}
}

type authRequest struct {
	Room        string `json:"room"`
	Credentials any    `json:"credentials,omitempty"`
}

type authResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

func (p *HTTPAuthProvider) Token(ctx context.Context, roomID string) (string, error) {
	body, err := json.Marshal(authRequest{Room: roomID, Credentials: p.credentials})
	if err != nil {
		return "", err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.baseDelay
	exp.MaxInterval = p.maxDelay
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	b := &retryAfterBackOff{BackOff: exp, max: p.maxDelay}

	var token string
	err = backoff.Retry(func() error {
		tok, wait, err := p.fetch(ctx, body)
		if err != nil {
			b.next = wait
			return err
		}
		token = tok
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return token, nil
}

// fetch makes one token request. Errors that must not be retried come back
// wrapped in backoff.Permanent; wait is the server's Retry-After, if any.
func (p *HTTPAuthProvider) fetch(ctx context.Context, body []byte) (token string, wait time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", 0, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, &TransientNetworkError{Op: "auth", Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", 0, &TransientNetworkError{Op: "auth", Err: readErr}
	}

	var out authResponse
	_ = json.Unmarshal(payload, &out)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if out.Token == "" {
			return "", 0, backoff.Permanent(&AuthorizationError{StatusCode: resp.StatusCode, Message: "auth response has no token"})
		}
		return out.Token, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", parseRetryAfter(resp.Header.Get("Retry-After")),
			&TransientNetworkError{Op: "auth", Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	msg := out.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return "", 0, backoff.Permanent(&AuthorizationError{StatusCode: resp.StatusCode, Message: msg})
}

// retryAfterBackOff uses a server-requested delay, capped at max, for the
// next wait and falls back to the wrapped policy otherwise.
type retryAfterBackOff struct {
	backoff.BackOff
	max  time.Duration
	next time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.next
	b.next = 0
	if d <= 0 {
		return b.BackOff.NextBackOff()
	}
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

func (b *retryAfterBackOff) Reset() {
	b.next = 0
	b.BackOff.Reset()
}

// parseRetryAfter reads delay-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return time.Until(at)
	}
	return 0
}

// FileTokenProvider serves a token read from a file and re-reads it when
// the file is rewritten or replaced, so an external process can rotate it.
type FileTokenProvider struct {
	path    string
	watcher *fsnotify.Watcher
	logger  Logger

	mu    sync.RWMutex
	token string
}

func NewFileTokenProvider(path string, logger Logger) (*FileTokenProvider, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	p := &FileTokenProvider{path: abs, logger: logger}
	if err := p.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch token file: %w", err)
	}
	// Watch the directory so atomic replace-by-rename is seen.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch token file: %w", err)
	}
	p.watcher = w
	go p.watch()
	return p, nil
}

func (p *FileTokenProvider) Token(context.Context, string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", &AuthorizationError{Message: "token file " + p.path + " is empty"}
	}
	return p.token, nil
}

// Close stops watching the file.
func (p *FileTokenProvider) Close() error {
	return p.watcher.Close()
}

func (p *FileTokenProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	p.mu.Lock()
	p.token = strings.TrimSpace(string(data))
	p.mu.Unlock()
	return nil
}

func (p *FileTokenProvider) watch() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := p.reload(); err != nil {
				logf(p.logger, "auth: %v", err)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			logf(p.logger, "auth: token watcher: %v", err)
		}
	}
}
