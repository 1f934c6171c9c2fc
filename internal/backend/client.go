package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"feedsync/internal/apperrors"
	"feedsync/internal/httpclient"
	"feedsync/internal/model"
)

const (
	fetchPath    = "/api/v1/feeds/fetch"
	markReadPath = "/api/v1/articles/read"
	tokenPath    = "/oauth/token"

	// RefreshBuffer is how long before expiry a token is renewed.
	RefreshBuffer = 5 * time.Minute
)

type Config struct {
	BaseURL      string
	AccountID    string
	AccountType  string
	ClientID     string
	ClientSecret string
}

// Doer executes a prepared request.
type Doer interface {
	Do(req *http.Request) (*httpclient.Response, error)
}

// Credentials persists the account's tokens.
type Credentials interface {
	Load(ctx context.Context, accountID, accountType string) (*model.Credential, error)
	Save(ctx context.Context, cred *model.Credential) error
	Delete(ctx context.Context, accountID, accountType string) error
}

// Client implements Repository over the service's JSON API with bearer
// authentication.
type Client struct {
	cfg     Config
	http    Doer
	creds   Credentials
	refresh singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
}

func NewClient(cfg Config, doer Doer, creds Credentials, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   doer,
		creds:  creds,
		now:    time.Now,
		logger: logger.With("component", "backend"),
	}
}

func (c *Client) Fetch(ctx context.Context, feeds []FeedRequest) ([]RemoteFeed, error) {
	var out []RemoteFeed
	if err := c.call(ctx, "Fetch", fetchPath, feeds, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, states map[string]bool) error {
	if len(states) == 0 {
		return nil
	}
	return c.call(ctx, "MarkRead", markReadPath, states, nil)
}

// Bootstrap stores refreshToken for the account unless a credential already
// exists. The access token is obtained on first use.
func (c *Client) Bootstrap(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	_, err := c.creds.Load(ctx, c.cfg.AccountID, c.cfg.AccountType)
	if err == nil {
		return nil
	}
	if !apperrors.IsNotFound(err) {
		return err
	}
	return c.creds.Save(ctx, &model.Credential{
		AccountID:    c.cfg.AccountID,
		AccountType:  c.cfg.AccountType,
		RefreshToken: refreshToken,
	})
}

func (c *Client) call(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	token, err := c.accessToken(ctx, false)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, path, token, body)
	if statusOf(err) == http.StatusUnauthorized {
		c.logger.Info("access token rejected, refreshing", "op", op)
		if token, err = c.accessToken(ctx, true); err != nil {
			return err
		}
		resp, err = c.post(ctx, path, token, body)
	}
	if err != nil {
		return backendError(op, err)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return apperrors.Backend(apperrors.BackendMalformedResponse, op, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, token string, body []byte) (*httpclient.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return c.http.Do(req)
}

// accessToken returns a usable token, refreshing it when it is close to
// expiry or when force is set. Concurrent refreshes share one request.
func (c *Client) accessToken(ctx context.Context, force bool) (string, error) {
	cred, err := c.creds.Load(ctx, c.cfg.AccountID, c.cfg.AccountType)
	if apperrors.IsNotFound(err) {
		return "", apperrors.ErrNotConfigured
	}
	if err != nil {
		return "", err
	}
	if !force && !cred.NeedsRefresh(c.now(), RefreshBuffer) {
		return cred.AccessToken, nil
	}

	v, err, shared := c.refresh.Do(c.cfg.AccountType+"/"+c.cfg.AccountID, func() (any, error) {
		return c.refreshToken(ctx, cred)
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logger.Debug("token refresh shared")
	}
	return v.(string), nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (c *Client) refreshToken(ctx context.Context, cred *model.Credential) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if status := statusOf(err); status == http.StatusUnauthorized || status == http.StatusBadRequest {
		c.logger.Warn("refresh token rejected, removing credential", "account_id", cred.AccountID, "status", status)
		if delErr := c.creds.Delete(ctx, cred.AccountID, cred.AccountType); delErr != nil {
			c.logger.Error("remove rejected credential", "error", delErr)
		}
		return "", apperrors.Backend(apperrors.BackendUnauthorized, "RefreshToken", err)
	}
	if err != nil {
		return "", err
	}

	var tok tokenResponse
	if err := json.Unmarshal(resp.Body, &tok); err != nil {
		return "", apperrors.Backend(apperrors.BackendMalformedResponse, "RefreshToken", err)
	}
	if tok.AccessToken == "" {
		return "", apperrors.Backend(apperrors.BackendMalformedResponse, "RefreshToken", errors.New("empty access token"))
	}

	updated := *cred
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.Expiration = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	if err := c.creds.Save(ctx, &updated); err != nil {
		if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
			return "", fmt.Errorf("refresh token rotated but not stored: %w", err)
		}
		c.logger.Warn("store refreshed token", "error", err)
	}
	c.logger.Info("access token refreshed", "account_id", cred.AccountID, "expires_at", updated.Expiration)
	return tok.AccessToken, nil
}

func statusOf(err error) int {
	var netErr *apperrors.NetworkError
	if errors.As(err, &netErr) && netErr.Kind == apperrors.NetworkHTTPStatus {
		return netErr.StatusCode
	}
	return 0
}

func backendError(op string, err error) error {
	switch status := statusOf(err); {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperrors.Backend(apperrors.BackendUnauthorized, op, err)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return apperrors.Backend(apperrors.BackendRejected, op, err)
	}
	return err
}
