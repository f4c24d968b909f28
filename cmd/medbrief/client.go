package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/medbrief/internal/auth"
	"github.com/kalambet/medbrief/internal/config"
)

// cliTokenTTL bounds tokens minted for a single CLI invocation.
const cliTokenTTL = 10 * time.Minute

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// apiError is a decoded error envelope.
type apiError struct {
	Status  int
	Message string
	Type    string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

var newAPIClient = func(cmd *cobra.Command) (*apiClient, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		owner = cfg.MCP.Owner
	}
	return newClientFromConfig(cfg, owner)
}

// newClientFromConfig authenticates with MEDBRIEF_TOKEN when set, otherwise
// it mints a short-lived token for owner with the configured JWT secret.
func newClientFromConfig(cfg config.Config, owner string) (*apiClient, error) {
	token := os.Getenv("MEDBRIEF_TOKEN")
	if token == "" {
		if cfg.Auth.JWTSecret == "" {
			return nil, errors.New("no credentials: set MEDBRIEF_TOKEN or MEDBRIEF_JWT_SECRET")
		}
		var err error
		token, err = auth.Issue(cfg.Auth.JWTSecret, owner, cliTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("minting token: %w", err)
		}
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is medbrief running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) patch(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPatch, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Message = envelope.Error.Message
			apiErr.Type = envelope.Error.Type
		} else {
			apiErr.Message = string(body)
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" && resp.StatusCode == http.StatusTooManyRequests {
			apiErr.Message += fmt.Sprintf(" (retry after %ss)", ra)
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
