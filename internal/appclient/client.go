package appclient

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

	"github.com/g960059/nomadflow/internal/api"
)

// Client talks to a running NomadFlow daemon over its HTTP API.
type Client struct {
	baseURL      string
	secret       string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	defaultUnaryTimeout = 30 * time.Second
	// Clones may run for minutes; the server enforces its own clone timeout.
	cloneTimeout = 15 * time.Minute
)

// New returns a client for baseURL authenticating with secret. An empty
// secret sends no Authorization header.
func New(baseURL, secret string) *Client {
	return NewWithClient(baseURL, secret, &http.Client{})
}

func NewWithClient(baseURL, secret string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		secret:       secret,
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out, c.unaryTimeout)
	return out, err
}

// WaitHealthyOptions controls WaitHealthy's polling.
type WaitHealthyOptions struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// WaitHealthy polls /health until it answers 200 or ctx ends. Connection
// errors and retryable statuses back off exponentially; other request
// errors are returned immediately.
func (c *Client) WaitHealthy(ctx context.Context, opts WaitHealthyOptions) (api.HealthResponse, error) {
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 100 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff
	for {
		health, err := c.Health(ctx)
		if err == nil {
			return health, nil
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return api.HealthResponse{}, err
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return api.HealthResponse{}, fmt.Errorf("daemon not healthy: %w (last error: %v)", waitErr, err)
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) ListRepos(ctx context.Context) (api.ListReposResponse, error) {
	var out api.ListReposResponse
	err := c.post(ctx, "/api/list-repos", api.ListReposRequest{}, &out)
	return out, err
}

func (c *Client) CloneRepo(ctx context.Context, req api.CloneRepoRequest) (api.RepositoryItem, error) {
	var out api.RepositoryItem
	err := c.do(ctx, http.MethodPost, "/api/clone-repo", nil, req, &out, cloneTimeout)
	return out, err
}

func (c *Client) ListFeatures(ctx context.Context, repoPath string) (api.ListFeaturesResponse, error) {
	var out api.ListFeaturesResponse
	err := c.post(ctx, "/api/list-features", api.ListFeaturesRequest{RepoPath: repoPath}, &out)
	return out, err
}

func (c *Client) CreateFeature(ctx context.Context, req api.CreateFeatureRequest) (api.CreateFeatureResponse, error) {
	var out api.CreateFeatureResponse
	err := c.post(ctx, "/api/create-feature", req, &out)
	return out, err
}

func (c *Client) DeleteFeature(ctx context.Context, repoPath, featureName string) (api.DeleteFeatureResponse, error) {
	var out api.DeleteFeatureResponse
	err := c.post(ctx, "/api/delete-feature", api.DeleteFeatureRequest{RepoPath: repoPath, FeatureName: featureName}, &out)
	return out, err
}

func (c *Client) SwitchFeature(ctx context.Context, repoPath, featureName string) (api.SwitchFeatureResponse, error) {
	var out api.SwitchFeatureResponse
	err := c.post(ctx, "/api/switch-feature", api.SwitchFeatureRequest{RepoPath: repoPath, FeatureName: featureName}, &out)
	return out, err
}

func (c *Client) ListBranches(ctx context.Context, repoPath string) (api.ListBranchesResponse, error) {
	var out api.ListBranchesResponse
	err := c.post(ctx, "/api/list-branches", api.ListBranchesRequest{RepoPath: repoPath}, &out)
	return out, err
}

func (c *Client) AttachBranch(ctx context.Context, repoPath, branch string) (api.AttachBranchResponse, error) {
	var out api.AttachBranchResponse
	err := c.post(ctx, "/api/attach-branch", api.AttachBranchRequest{RepoPath: repoPath, BranchName: branch}, &out)
	return out, err
}

// ActionsOptions filters ListActions. Zero values are omitted.
type ActionsOptions struct {
	Limit      int
	ActionType string
	RepoPath   string
}

func (c *Client) ListActions(ctx context.Context, opts ActionsOptions) (api.ActionsResponse, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if v := strings.TrimSpace(opts.ActionType); v != "" {
		query.Set("type", v)
	}
	if v := strings.TrimSpace(opts.RepoPath); v != "" {
		query.Set("repoPath", v)
	}
	var out api.ActionsResponse
	err := c.do(ctx, http.MethodGet, "/api/actions", query, nil, &out, c.unaryTimeout)
	return out, err
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out, c.unaryTimeout)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, timeout time.Duration) error {
	payload, err := c.request(ctx, method, path, query, body, timeout)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, timeout time.Duration) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > timeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
