// Package oauthclient exchanges authorization codes and refresh tokens
// with the cTrader OAuth token endpoint.
package oauthclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
)

const defaultTokenURL = "https://openapi.ctrader.com/apps/token"

// Client posts form-encoded grant requests and normalizes the upstream's
// inconsistent camelCase/snake_case response fields.
type Client struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	redirectURI  string
}

// New builds a Client. httpClient defaults to a 15s-timeout client if nil.
func New(clientID, clientSecret, redirectURI string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		httpClient:   httpClient,
		tokenURL:     defaultTokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
	}
}

// ExchangeCode trades an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code string) (domain.TokenPair, error) {
	return c.request(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.redirectURI},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	})
}

// RefreshToken trades a refresh token for a fresh token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	return c.request(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	})
}

func (c *Client) request(ctx context.Context, form url.Values) (domain.TokenPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("oauthclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("oauthclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("oauthclient: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return domain.TokenPair{}, fmt.Errorf("oauthclient: token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.TokenPair{}, fmt.Errorf("oauthclient: decode response: %w", err)
	}

	return normalize(raw)
}

func normalize(raw map[string]interface{}) (domain.TokenPair, error) {
	accessToken := firstString(raw, "accessToken", "access_token")
	refreshToken := firstString(raw, "refreshToken", "refresh_token")
	expiresIn := firstNumber(raw, "expiresIn", "expires_in")

	if accessToken == "" {
		return domain.TokenPair{}, fmt.Errorf("oauthclient: response missing access token")
	}

	return domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

func firstString(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNumber(raw map[string]interface{}, keys ...string) int64 {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int64(n)
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}
