package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/koprogo/greengrid/pkg/auth"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/retry"
)

// ErrNotRegistered is returned by node calls made before Register or SetNode
var ErrNotRegistered = errors.New("node not registered")

// APIError is a non-2xx response from the coordinator
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("coordinator returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Message)
}

// Temporary reports whether the request may succeed when retried
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// IsStatus reports whether err is an APIError with the given HTTP status
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// ClientConfig holds coordinator client settings
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	TLSConfig *tls.Config
	Retry     retry.Config
	// Consecutive failures before the breaker opens, and how long it stays open
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultClientConfig returns sensible client defaults for baseURL
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:         baseURL,
		Timeout:         30 * time.Second,
		Retry:           retry.DefaultConfig(),
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Client talks to the coordinator on behalf of one node. Requests are
// retried with backoff on transient failures and pass through a circuit
// breaker so a down coordinator is not hammered.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	retry      retry.Config

	mu        sync.RWMutex
	nodeID    string
	nodeToken string
}

// NewClient creates a coordinator client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.TLSConfig != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: cfg.TLSConfig}
	}
	failures := cfg.BreakerFailures
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		retry:      cfg.Retry,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "coordinator",
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// client errors mean the coordinator is up
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				return err == nil || (errors.As(err, &apiErr) && !apiErr.Temporary())
			},
		}),
	}
}

// SetNode sets the identity used for node calls, e.g. to resume a node
// registered earlier
func (c *Client) SetNode(nodeID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeID, c.nodeToken = nodeID, token
}

// NodeID returns the node ID
func (c *Client) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// BreakerState returns the circuit breaker state
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Register registers the node and remembers its ID and token
func (c *Client) Register(ctx context.Context, reg models.NodeRegistration) (*models.NodeCredentials, error) {
	var creds models.NodeCredentials
	if err := c.do(ctx, http.MethodPost, "/nodes/register", reg, &creds); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	if creds.Node == nil {
		return nil, fmt.Errorf("registration failed: empty response")
	}
	c.SetNode(creds.Node.ID, creds.Token)
	return &creds, nil
}

// Heartbeat reports live metrics and returns the updated node
func (c *Client) Heartbeat(ctx context.Context, hb models.NodeHeartbeat) (*models.Node, error) {
	id, err := c.requireNode()
	if err != nil {
		return nil, err
	}
	var node models.Node
	if err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(id)+"/heartbeat", hb, &node); err != nil {
		return nil, fmt.Errorf("heartbeat failed: %w", err)
	}
	return &node, nil
}

// NextTask returns the task the coordinator has for this node, or nil when
// there is none
func (c *Client) NextTask(ctx context.Context) (*models.Task, error) {
	id, err := c.requireNode()
	if err != nil {
		return nil, err
	}
	var task models.Task
	err = c.do(ctx, http.MethodGet, "/tasks/next?node_id="+url.QueryEscape(id), nil, &task)
	if IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get next task failed: %w", err)
	}
	return &task, nil
}

// StartTask marks an assigned task as running on this node
func (c *Client) StartTask(ctx context.Context, taskID string) (*models.Task, error) {
	id, err := c.requireNode()
	if err != nil {
		return nil, err
	}
	var task models.Task
	body := map[string]string{"node_id": id}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/start", body, &task); err != nil {
		return nil, fmt.Errorf("start task failed: %w", err)
	}
	return &task, nil
}

// Completion mirrors the coordinator's completion response
type Completion struct {
	Task   *models.Task         `json:"task"`
	Proof  *models.GreenProof   `json:"proof"`
	Credit *models.CarbonCredit `json:"credit,omitempty"`
}

// ReportTask submits the result of a running task
func (c *Client) ReportTask(ctx context.Context, taskID string, report models.TaskReport) (*Completion, error) {
	id, err := c.requireNode()
	if err != nil {
		return nil, err
	}
	body := struct {
		NodeID string `json:"node_id"`
		models.TaskReport
	}{id, report}
	var result Completion
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/report", body, &result); err != nil {
		return nil, fmt.Errorf("report task failed: %w", err)
	}
	return &result, nil
}

// FailTask reports that a task could not be executed
func (c *Client) FailTask(ctx context.Context, taskID, reason string) error {
	if _, err := c.requireNode(); err != nil {
		return err
	}
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/fail", body, nil); err != nil {
		return fmt.Errorf("fail task failed: %w", err)
	}
	return nil
}

func (c *Client) requireNode() (string, error) {
	id := c.NodeID()
	if id == "" {
		return "", ErrNotRegistered
	}
	return id, nil
}

// do sends one JSON request with retries, decoding a 2xx body into out
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return retry.Do(ctx, c.retry, func() error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.send(ctx, method, path, payload, out)
		})
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return retry.Permanent(err)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, context.Canceled) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) addAuthHeaders(req *http.Request) {
	c.mu.RLock()
	nodeID, token := c.nodeID, c.nodeToken
	c.mu.RUnlock()

	if token != "" {
		req.Header.Set(auth.NodeIDHeader, nodeID)
		req.Header.Set(auth.NodeTokenHeader, token)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Kind, apiErr.Message = body.Error, body.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
