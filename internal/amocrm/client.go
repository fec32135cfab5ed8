// Package amocrm – client core.
//
// This file implements the authenticated request plumbing shared by all
// object operations: token acquisition (credential store first, static config
// second), the OAuth refresh exchange, and the depth-limited retry on 401.
//
// Retry policy: every authenticated call wraps exactly one retry. On a 401
// the client performs one refresh attempt and replays the request once with
// the retry disabled; a second 401 surfaces as ErrUnauthorized. Non-401
// failures propagate immediately as *APIError. The retry is bounded by a
// boolean flag, never a loop, so persistent auth failure always terminates.
package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-form-crm-bridge/internal/config"
)

// TokenStore is the narrow persistence contract the client needs for token
// storage. Get returns ("", nil) or an error for an absent key depending on
// the backing store; the client treats both "" and a not-found error from the
// provided NotFound sentinel as absence.
type TokenStore interface {
	// Get returns the stored value for key, or notFound error when absent.
	Get(ctx context.Context, key string) (string, error)
	// Set overwrites the value for key.
	Set(ctx context.Context, key, value string) error
}

// Credential store keys. They mirror domain.CredAccessToken /
// domain.CredRefreshToken but are redeclared here so the client stays
// decoupled from the persistence models.
const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
)

// Client performs authenticated operations against one amoCRM account.
// It is safe for concurrent use; concurrent 401s may trigger concurrent
// refreshes, in which case the last stored token pair wins (any freshly
// issued pair is valid, so no mutual exclusion is needed).
type Client struct {
	cfg   config.AmoConfig
	http  *http.Client
	store TokenStore
}

// New constructs a Client for the given account configuration and credential
// store. The configuration is treated as immutable; pass a fabricated config
// and an httptest-backed base URL to exercise the client in isolation.
func New(cfg config.AmoConfig, store TokenStore) *Client {
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: 30 * time.Second},
		store: store,
	}
}

// NewWithHTTPClient is New with an explicit *http.Client (custom transport,
// test doubles).
func NewWithHTTPClient(cfg config.AmoConfig, store TokenStore, hc *http.Client) *Client {
	c := New(cfg, store)
	if hc != nil {
		c.http = hc
	}
	return c
}

// refreshConfigured reports whether the OAuth client credentials needed for
// the refresh exchange are present. Without them refresh is a no-op and the
// static token is assumed long-lived.
func (c *Client) refreshConfigured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// accessToken returns the token to authenticate with: the credential store
// value when present, else the static config fallback, else ErrNoAccessToken.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if v, err := c.store.Get(ctx, keyAccessToken); err == nil && v != "" {
		return v, nil
	}
	if c.cfg.AccessToken != "" {
		return c.cfg.AccessToken, nil
	}
	return "", ErrNoAccessToken
}

// refreshToken returns the refresh token from the store, falling back to the
// static config value.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	if v, err := c.store.Get(ctx, keyRefreshToken); err == nil && v != "" {
		return v, nil
	}
	if c.cfg.RefreshToken != "" {
		return c.cfg.RefreshToken, nil
	}
	return "", ErrNoRefreshToken
}

// tokenResponse is the OAuth token endpoint reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the current refresh token at the CRM's token endpoint and
// overwrites both tokens in the credential store on success. When OAuth
// client credentials are not configured it is a no-op.
func (c *Client) Refresh(ctx context.Context) error {
	if !c.refreshConfigured() {
		return nil
	}
	rt, err := c.refreshToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": rt,
		"redirect_uri":  c.cfg.RedirectURI,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth2/access_token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: http.MethodPost, Path: "/oauth2/access_token", Status: resp.StatusCode, Body: string(raw)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return fmt.Errorf("amocrm: decode token response: %w", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return errors.New("amocrm: token response missing tokens")
	}

	if err := c.store.Set(ctx, keyAccessToken, tok.AccessToken); err != nil {
		return err
	}
	if err := c.store.Set(ctx, keyRefreshToken, tok.RefreshToken); err != nil {
		return err
	}

	log.Info().Msg("amocrm tokens refreshed")
	return nil
}

// do performs one authenticated JSON call. When out is non-nil the 2xx
// response body is decoded into it. retryOn401 permits a single
// refresh-and-replay; the replay always passes false here.
func (c *Client) do(ctx context.Context, method, path string, in, out any, retryOn401 bool) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if !retryOn401 || !c.refreshConfigured() {
			return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
		}
		if err := c.Refresh(ctx); err != nil {
			return err
		}
		return c.do(ctx, method, path, in, out, false)

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(raw)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("amocrm: decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
