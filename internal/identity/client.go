// Package identity resolves users through an OpenID-Connect authorization-code
// flow against a third-party provider. The provider's subject claim is the
// stable key mapped to the local user row.
package identity

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
)

var ErrNotConfigured = errors.New("identity provider not configured")

type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
}

// Profile is the subset of userinfo claims the application keeps.
type Profile struct {
	Subject string `json:"sub"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// Configured reports whether client credentials are present. Without them the
// auth routes return a configuration error instead of redirecting.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// AuthCodeURL builds the provider authorize URL for the given CSRF state.
func (c *Client) AuthCodeURL(state string) string {
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", c.cfg.ClientID)
	query.Set("redirect_uri", c.cfg.RedirectURL)
	query.Set("scope", "openid profile email")
	query.Set("state", state)
	return c.cfg.AuthURL + "?" + query.Encode()
}

// Exchange swaps an authorization code for an access token and fetches the
// userinfo document.
func (c *Client) Exchange(ctx context.Context, code string) (Profile, error) {
	if !c.Configured() {
		return Profile{}, ErrNotConfigured
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURL)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Profile{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Profile{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("token exchange failed: %s", strings.TrimSpace(string(raw)))
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &token); err != nil {
		return Profile{}, fmt.Errorf("parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return Profile{}, fmt.Errorf("token exchange returned no access token")
	}

	return c.userInfo(ctx, token.AccessToken)
}

func (c *Client) userInfo(ctx context.Context, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserInfoURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Profile{}, fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("userinfo failed: %s", strings.TrimSpace(string(raw)))
	}

	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return Profile{}, fmt.Errorf("parse userinfo: %w", err)
	}
	if profile.Subject == "" {
		return Profile{}, fmt.Errorf("userinfo missing sub claim")
	}
	return profile, nil
}
