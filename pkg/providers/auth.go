package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	authModeAPIKey      = "api_key"
	authModeBearerToken = "bearer_token"
)

// TokenSource yields the secret a request is signed with. Source names where
// it comes from, for error messages.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Source() string
}

// AuthStrategy signs provider HTTP requests.
type AuthStrategy interface {
	Mode() string
	Apply(ctx context.Context, req *http.Request) error
}

// NewAPIKeyAuth and NewBearerTokenAuth both send an Authorization bearer
// header; they differ only in the mode they report.
func NewAPIKeyAuth(source TokenSource) AuthStrategy {
	return &bearerAuth{mode: authModeAPIKey, source: source}
}

func NewBearerTokenAuth(source TokenSource) AuthStrategy {
	return &bearerAuth{mode: authModeBearerToken, source: source}
}

type bearerAuth struct {
	mode   string
	source TokenSource
}

func (a *bearerAuth) Mode() string { return a.mode }

func (a *bearerAuth) Apply(ctx context.Context, req *http.Request) error {
	if a.source == nil {
		return errors.New("auth token source is nil")
	}
	tok, err := a.source.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// staticToken is a secret taken verbatim from config.
type staticToken struct {
	token, field string
}

func NewStaticTokenSource(token, field string) TokenSource {
	return staticToken{token: strings.TrimSpace(token), field: strings.TrimSpace(field)}
}

func (s staticToken) Source() string {
	if s.field == "" {
		return "static"
	}
	return s.field
}

func (s staticToken) Token(context.Context) (string, error) {
	switch {
	case s.token == "":
		return "", fmt.Errorf("token is empty for %s", s.Source())
	case isPlaceholder(s.token):
		return "", fmt.Errorf("token for %s looks like an unfilled placeholder", s.Source())
	}
	return s.token, nil
}

// isPlaceholder catches template values such as <API_KEY> or ${API_KEY} that
// were copied into config without substitution.
func isPlaceholder(tok string) bool {
	return (strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")) ||
		(strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}"))
}

// tokenFile re-reads its file on every request so rotated tokens are picked
// up without a restart.
type tokenFile struct {
	path string
}

func NewFileTokenSource(path string) TokenSource {
	return tokenFile{path: expandHome(path)}
}

func (s tokenFile) Source() string {
	if s.path == "" {
		return "token_file"
	}
	return s.path
}

func (s tokenFile) Token(context.Context) (string, error) {
	if s.path == "" {
		return "", errors.New("token file path is empty")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", s.path, err)
	}
	tok := strings.TrimSpace(string(data))
	switch {
	case tok == "":
		return "", fmt.Errorf("token file %s is empty", s.path)
	case strings.HasPrefix(tok, "{"):
		return accessTokenFromJSON(s.path, []byte(tok))
	}
	return tok, nil
}

// accessTokenFromJSON accepts {"access_token": ...} and the nested
// {"tokens": {"access_token": ...}} layout written by CLI login flows.
func accessTokenFromJSON(path string, data []byte) (string, error) {
	var doc struct {
		AccessToken string `json:"access_token"`
		Tokens      struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse token file %s: %w", path, err)
	}
	if tok := strings.TrimSpace(doc.Tokens.AccessToken); tok != "" {
		return tok, nil
	}
	if tok := strings.TrimSpace(doc.AccessToken); tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("token file %s is missing access_token", path)
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
