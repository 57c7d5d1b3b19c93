package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/treykane/tunnel-cli/internal/model"
)

// Profile returns the account behind the API key.
func (c *Client) Profile(ctx context.Context) (model.Profile, error) {
	var out struct {
		User model.Profile `json:"user"`
	}
	if err := c.do(ctx, call{method: http.MethodGet, path: "/cli/status"}, &out); err != nil {
		return model.Profile{}, fmt.Errorf("verify api key: %w", err)
	}
	return out.User, nil
}

// Tokens is the password-login response.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges a username and password for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (Tokens, error) {
	var out Tokens
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/auth/login",
		body:   loginRequest{Username: username, Password: password},
	}, &out)
	if err != nil {
		return Tokens{}, fmt.Errorf("login: %w", err)
	}
	if out.AccessToken == "" {
		return Tokens{}, fmt.Errorf("login: response carried no access token")
	}
	return out, nil
}

type apiKeyQuery struct {
	Name string `url:"name"`
}

// CreateAPIKey mints a long-lived key for this client.
func (c *Client) CreateAPIKey(ctx context.Context, accessToken, name string) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/api-keys/",
		query:  apiKeyQuery{Name: name},
		bearer: accessToken,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	if out.Key == "" {
		return "", fmt.Errorf("create api key: response carried no key")
	}
	return out.Key, nil
}
