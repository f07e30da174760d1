package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mithileshchellappan/novelpush/internal/storage"
	"golang.org/x/oauth2"
)

// APIError is a non-2xx response from the token API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("token api: %d %s", e.Status, e.Message)
}

// RemoteStore is a TokenStore backed by the server's user token API.
type RemoteStore struct {
	baseURL string
	client  *http.Client
}

// NewRemoteStore authenticates every request with a bearer token from src.
func NewRemoteStore(ctx context.Context, baseURL string, src oauth2.TokenSource) *RemoteStore {
	client := oauth2.NewClient(ctx, src)
	client.Timeout = 15 * time.Second
	return &RemoteStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (s *RemoteStore) AddToken(ctx context.Context, userID, token string) (*storage.UserDevice, error) {
	body := map[string]string{"token": token}
	return s.do(ctx, http.MethodPost, s.userPath(userID, "tokens"), body)
}

func (s *RemoteStore) RemoveToken(ctx context.Context, userID, token string) (*storage.UserDevice, error) {
	return s.do(ctx, http.MethodDelete, s.userPath(userID, "tokens", token), nil)
}

func (s *RemoteStore) SetPreferences(ctx context.Context, userID string, prefs storage.Preferences) (*storage.UserDevice, error) {
	return s.do(ctx, http.MethodPut, s.userPath(userID, "preferences"), prefs)
}

func (s *RemoteStore) GetDevice(ctx context.Context, userID string) (*storage.UserDevice, error) {
	return s.do(ctx, http.MethodGet, s.userPath(userID, "device"), nil)
}

func (s *RemoteStore) userPath(userID string, parts ...string) string {
	escaped := make([]string, 0, len(parts)+3)
	escaped = append(escaped, s.baseURL, "v1", "users", url.PathEscape(userID))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.Join(escaped, "/")
}

func (s *RemoteStore) do(ctx context.Context, method, endpoint string, body any) (*storage.UserDevice, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling token api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", storage.Errors.NotFound, apiErr.Error)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	var device storage.UserDevice
	if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
		return nil, fmt.Errorf("error decoding device: %w", err)
	}
	return &device, nil
}
