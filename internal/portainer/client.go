// Package portainer is a minimal client for the Portainer stack API, used
// to export stack definitions alongside working-directory backups and to
// push updated stack files after a committed deployment.
package portainer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mcheli/homeport/internal/config"
	"github.com/rs/zerolog"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 30 * time.Second

// Stack is a Portainer stack as returned by the stacks API.
type Stack struct {
	ID         int    `json:"Id"`
	Name       string `json:"Name"`
	EndpointID int    `json:"EndpointId"`
	Status     int    `json:"Status"`
}

// StackFile is the compose file content of a stack.
type StackFile struct {
	Content string `json:"StackFileContent"`
}

// APIError is a non-2xx response from the Portainer API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portainer: %s (status %d)", e.Message, e.StatusCode)
}

// ErrStackNotFound is returned when no stack matches the requested name.
var ErrStackNotFound = &APIError{StatusCode: http.StatusNotFound, Message: "stack not found"}

// Client talks to a single Portainer instance using API key authentication.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// New creates a client from the Portainer configuration.
func New(cfg *config.PortainerConfig, logger zerolog.Logger) *Client {
	httpClient := &http.Client{Timeout: DefaultTimeout}
	if cfg.InsecureSkipVerify {
		// Self-signed certificates are the norm on single-host setups.
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		logger:  logger.With().Str("component", "portainer").Logger(),
	}
}

// ListStacks returns all stacks visible to the API key.
func (c *Client) ListStacks(ctx context.Context) ([]Stack, error) {
	var stacks []Stack
	if err := c.get(ctx, "/api/stacks", &stacks); err != nil {
		return nil, fmt.Errorf("list stacks: %w", err)
	}
	return stacks, nil
}

// FindStack looks a stack up by name. Portainer stack names are unique per
// instance.
func (c *Client) FindStack(ctx context.Context, name string) (*Stack, error) {
	stacks, err := c.ListStacks(ctx)
	if err != nil {
		return nil, err
	}
	for i := range stacks {
		if stacks[i].Name == name {
			return &stacks[i], nil
		}
	}
	return nil, fmt.Errorf("find stack %q: %w", name, ErrStackNotFound)
}

// GetStackFile fetches the compose file content of a stack.
func (c *Client) GetStackFile(ctx context.Context, stackID int) (string, error) {
	var file StackFile
	if err := c.get(ctx, fmt.Sprintf("/api/stacks/%d/file", stackID), &file); err != nil {
		return "", fmt.Errorf("get stack file: %w", err)
	}
	return file.Content, nil
}

// ExportStack resolves a stack by name and returns its compose file
// content. This is the backup-time export hook.
func (c *Client) ExportStack(ctx context.Context, stackName string) ([]byte, error) {
	stack, err := c.FindStack(ctx, stackName)
	if err != nil {
		return nil, err
	}
	content, err := c.GetStackFile(ctx, stack.ID)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("stack", stackName).Int("stack_id", stack.ID).Msg("stack exported")
	return []byte(content), nil
}

// UpdateStack replaces a stack's compose file content and redeploys it.
func (c *Client) UpdateStack(ctx context.Context, stack *Stack, content string) error {
	body := map[string]any{
		"stackFileContent": content,
		"prune":            false,
		"pullImage":        true,
	}
	path := fmt.Sprintf("/api/stacks/%d?endpointId=%d", stack.ID, stack.EndpointID)
	if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("update stack %s: %w", stack.Name, err)
	}
	c.logger.Info().Str("stack", stack.Name).Int("stack_id", stack.ID).Msg("stack updated")
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
