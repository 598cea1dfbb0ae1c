package sahara

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"appbroker/internal/collaborator"
)

// Credentials authenticate against Keystone v3 with a project-scoped password.
type Credentials struct {
	AuthURL   string
	Username  string
	Password  string
	ProjectID string
	Domain    string
}

// tokenSource caches a Keystone token until shortly before it expires.
type tokenSource struct {
	http  *retryablehttp.Client
	creds Credentials

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expires) > time.Minute {
		return s.token, nil
	}

	domain := s.creds.Domain
	if domain == "" {
		domain = "Default"
	}
	body := map[string]any{
		"auth": map[string]any{
			"identity": map[string]any{
				"methods": []string{"password"},
				"password": map[string]any{
					"user": map[string]any{
						"name":     s.creds.Username,
						"password": s.creds.Password,
						"domain":   map[string]string{"name": domain},
					},
				},
			},
			"scope": map[string]any{
				"project": map[string]string{"id": s.creds.ProjectID},
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	u := collaborator.JoinURL(s.creds.AuthURL, "auth", "tokens")
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("keystone: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &collaborator.StatusError{Method: http.MethodPost, URL: u, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out struct {
		Token struct {
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("keystone: decode token: %w", err)
	}
	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return "", fmt.Errorf("keystone: response carries no X-Subject-Token")
	}
	s.token, s.expires = token, out.Token.ExpiresAt
	return token, nil
}
