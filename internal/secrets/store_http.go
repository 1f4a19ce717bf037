package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
	"golang.org/x/oauth2/clientcredentials"
)

// HTTPStore reads from a secret service exposing
// GET {base}/v1/secrets/{name}?target={target} -> {"value": "..."}.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

type HTTPStoreConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

func (c HTTPStoreConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("CONVEYOR_SECRETS_URL is required for the http backend")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("CONVEYOR_SECRETS_URL: %w", err)
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		return errors.New("CONVEYOR_SECRETS_TOKEN_URL is required for the http backend")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("CONVEYOR_SECRETS_CLIENT_ID is required for the http backend")
	}
	return nil
}

// NewHTTPStore authenticates every request with an OAuth2 client-credentials
// token; the token source caches and refreshes tokens itself.
func NewHTTPStore(ctx context.Context, cfg HTTPStoreConfig) (*HTTPStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	client := cc.Client(ctx)
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return NewHTTPStoreWithClient(cfg.BaseURL, client)
}

func NewHTTPStoreWithClient(baseURL string, client *http.Client) (*HTTPStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{baseURL: baseURL, client: client}, nil
}

func (s *HTTPStore) Kind() string { return "http" }

func (s *HTTPStore) Get(ctx context.Context, target string, name string) ([]byte, error) {
	u := s.baseURL + "/v1/secrets/" + url.PathEscape(name) + "?target=" + url.QueryEscape(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("secret service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	defer wipe(body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", domain.ErrAccessDenied, name)
	default:
		return nil, fmt.Errorf("secret service status %d", resp.StatusCode)
	}

	var out struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode secret response: %w", err)
	}
	if out.Value == nil {
		return nil, fmt.Errorf("%w: %s has no value", domain.ErrSecretNotFound, name)
	}
	return []byte(*out.Value), nil
}
