package remote

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

	"daysync/internal/daysync"
)

// DefaultHTTPTimeout bounds a single request when no timeout is configured.
const DefaultHTTPTimeout = 15 * time.Second

// tokenRefreshMargin renews a cached token this long before it expires.
const tokenRefreshMargin = time.Minute

type cachedToken struct {
	value   string
	expires time.Time
}

// HTTPRemote reads and forwards day data through the daysync HTTP API.
type HTTPRemote struct {
	baseURL    string
	tokens     *TokenManager
	httpClient *http.Client
	logger     daysync.Logger

	mu     sync.Mutex
	cached map[string]cachedToken
}

var _ daysync.Remote = (*HTTPRemote)(nil)

// NewHTTPRemote creates a client for the server at baseURL. tokens may be
// nil for a server running without authentication.
func NewHTTPRemote(baseURL string, tokens *TokenManager, timeout time.Duration, logger daysync.Logger) *HTTPRemote {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPRemote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		cached:     make(map[string]cachedToken),
	}
}

// FetchDay returns the server copy of a day.
func (h *HTTPRemote) FetchDay(ctx context.Context, tenant, date string) (daysync.DayRecord, error) {
	if tenant == "" {
		return daysync.DayRecord{}, daysync.ErrRemoteNotFound
	}

	resp, err := h.do(ctx, http.MethodGet, tenant, "/days/"+url.PathEscape(date), nil)
	if err != nil {
		return daysync.DayRecord{}, err
	}
	defer resp.Body.Close()

	var rec daysync.DayRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return daysync.DayRecord{}, fmt.Errorf("%w: decoding day %s: %v", daysync.ErrRemoteUnavailable, date, err)
	}
	return rec, nil
}

// ForwardKey sends a locally written value to the server.
func (h *HTTPRemote) ForwardKey(ctx context.Context, tenant, key string, value json.RawMessage) error {
	resp, err := h.do(ctx, http.MethodPut, tenant, "/keys/"+url.PathEscape(key), value)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result putResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Outcome == outcomeDiscarded {
		h.logger.Debug("server kept a newer copy", "tenant", tenant, "key", key)
	}
	return nil
}

// do sends a request under /v1/tenants/{tenant} and maps failure statuses
// to the remote error kinds. On success the caller owns resp.Body.
func (h *HTTPRemote) do(ctx context.Context, method, tenant, path string, body []byte) (*http.Response, error) {
	u := h.baseURL + "/v1/tenants/" + url.PathEscape(tenant) + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := h.setAuth(req, tenant); err != nil {
		return nil, err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", daysync.ErrRemoteUnavailable, method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", daysync.ErrRemoteNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", daysync.ErrRemoteUnavailable, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (h *HTTPRemote) setAuth(req *http.Request, tenant string) error {
	if h.tokens == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	tok, ok := h.cached[tenant]
	if !ok || time.Now().Add(tokenRefreshMargin).After(tok.expires) {
		value, expires, err := h.tokens.GenerateToken(tenant)
		if err != nil {
			return err
		}
		tok = cachedToken{value: value, expires: expires}
		h.cached[tenant] = tok
	}
	req.Header.Set("Authorization", "Bearer "+tok.value)
	return nil
}
