package remotestore

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
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/chat"
)

// HTTPClient talks to the remote store's JSON API. Transient failures
// (network errors, 429, 5xx) are retried a bounded number of times with
// exponential backoff; everything else surfaces as a typed error.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	streamObs    StreamObserver
}

// HTTPClientOptions configures NewHTTPClient. Zero values get defaults.
type HTTPClientOptions struct {
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewHTTPClient(baseURL string, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		logger:     logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetTokens installs the bearer credentials used for subsequent calls.
// An empty access token reverts to anonymous (API-key only) requests.
func (c *HTTPClient) SetTokens(accessToken, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = strings.TrimSpace(accessToken)
	c.refreshToken = strings.TrimSpace(refreshToken)
}

func (c *HTTPClient) tokens() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken, c.refreshToken
}

func (c *HTTPClient) authHeader() http.Header {
	header := http.Header{}
	access, _ := c.tokens()
	if access != "" {
		header.Set("Authorization", "Bearer "+access)
	}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}
	return header
}

func (c *HTTPClient) GetSession(ctx context.Context) (*Session, error) {
	access, _ := c.tokens()
	if access == "" {
		return nil, nil
	}
	var out Session
	err := c.doJSON(ctx, http.MethodGet, "/v1/auth/session", nil, &out)
	if err != nil {
		if httpStatus(err) == http.StatusUnauthorized {
			return nil, nil
		}
		return nil, err
	}
	c.SetTokens(out.AccessToken, out.RefreshToken)
	return &out, nil
}

func (c *HTTPClient) RefreshSession(ctx context.Context) (*Session, error) {
	_, refresh := c.tokens()
	if refresh == "" {
		return nil, nil
	}
	body := map[string]string{"refreshToken": refresh}
	var out Session
	err := c.doJSON(ctx, http.MethodPost, "/v1/auth/refresh", body, &out)
	if err != nil {
		if httpStatus(err) == http.StatusUnauthorized {
			return nil, nil
		}
		return nil, err
	}
	c.SetTokens(out.AccessToken, out.RefreshToken)
	return &out, nil
}

func (c *HTTPClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	}
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/token", body, &out); err != nil {
		return nil, err
	}
	c.SetTokens(out.AccessToken, out.RefreshToken)
	return &out, nil
}

func (c *HTTPClient) SignUp(ctx context.Context, email, password string, attrs SignUpAttributes) (*Session, error) {
	body := map[string]any{
		"email":    strings.TrimSpace(email),
		"password": password,
		"attrs":    attrs,
	}
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/signup", body, &out); err != nil {
		return nil, err
	}
	c.SetTokens(out.AccessToken, out.RefreshToken)
	return &out, nil
}

func (c *HTTPClient) SignOut(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/v1/auth/logout", nil, nil)
	c.SetTokens("", "")
	return err
}

func (c *HTTPClient) FetchProfile(ctx context.Context, id string) (*Profile, error) {
	var out Profile
	err := c.doJSON(ctx, http.MethodGet, "/v1/profiles/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) InsertProfile(ctx context.Context, profile Profile) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/profiles", profile, nil)
}

func (c *HTTPClient) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) error {
	return c.doJSON(ctx, http.MethodPatch, "/v1/profiles/"+url.PathEscape(id), update, nil)
}

func (c *HTTPClient) FetchMessages(ctx context.Context, channelID string) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("order", "createdAt.asc")
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/channels/%s/messages?%s", url.PathEscape(channelID), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTPClient) InsertMessage(ctx context.Context, msg chat.Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.New().String()
	}
	path := "/v1/channels/" + url.PathEscape(msg.ChannelID) + "/messages"
	return c.doJSON(ctx, http.MethodPost, path, msg, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		access, _ := c.tokens()
		if access != "" {
			req.Header.Set("Authorization", "Bearer "+access)
		}
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", requestPath, ErrNotFound)
		case http.StatusConflict:
			return fmt.Errorf("%s: %w", requestPath, ErrConflict)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "chat_" + uuid.New().String()
}

func httpStatus(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
