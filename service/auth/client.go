package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	errs "PAccess/tools/errs"
	safe "PAccess/tools/safe"

	"github.com/pkg/errors"
)

// ===== REST 客户端 =====

type ClientConf struct {
	BaseURL string        // 例如 http://127.0.0.1:8080
	Timeout time.Duration // 单次请求超时（默认 10s）

	HTTPClient *http.Client // 可注入（单测用）；nil => 新建
}

func (c *ClientConf) norm() {
	c.Timeout = safe.DefaultDuration(c.Timeout, 10*time.Second)
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}

// Client talks to the console backend's auth endpoints:
// POST /auth/login, POST /auth/refresh, GET /auth/me, POST /auth/logout.
type Client struct {
	conf ClientConf
}

func NewClient(conf ClientConf) *Client {
	conf.norm()
	return &Client{conf: conf}
}

var _ Authenticator = (*Client)(nil)

type loginReq struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type tokenResp struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	User         *User  `json:"user,omitempty"`
}

func (c *Client) Login(ctx context.Context, identifier, secret string) (TokenPair, User, error) {
	var out tokenResp
	err := c.do(ctx, http.MethodPost, "/auth/login", "", loginReq{Identifier: identifier, Secret: secret}, &out)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	if out.User == nil {
		return TokenPair{}, User{}, errors.New("login response missing user record")
	}
	pair := TokenPair{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    time.Duration(out.ExpiresIn) * time.Second,
	}
	return pair, *out.User, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, time.Duration, error) {
	var out tokenResp
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", body, &out); err != nil {
		return "", 0, err
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

func (c *Client) WhoAmI(ctx context.Context, accessToken string) (User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/auth/me", accessToken, nil, &out); err != nil {
		return User{}, err
	}
	return out, nil
}

func (c *Client) Invalidate(ctx context.Context, refreshToken string) error {
	body := map[string]string{"refresh_token": refreshToken}
	return c.do(ctx, http.MethodPost, "/auth/logout", "", body, nil)
}

// do sends one request and decodes either the success payload into out or the
// backend's error envelope into a CodeError.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.conf.BaseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.conf.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(err, "read %s response", path)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

// decodeError maps the backend's error envelope onto a CodeError. An envelope
// without a code falls back to a status-derived credential code so callers can
// still classify 401/423 responses.
func decodeError(status int, raw []byte) error {
	var ce errs.CodeError
	if err := json.Unmarshal(raw, &ce); err == nil && ce.Code != 0 {
		return &ce
	}
	switch status {
	case http.StatusUnauthorized:
		return errs.NewCodeError(errs.CodeUnauthorized, "unauthorized")
	case http.StatusLocked:
		return errs.NewCodeError(errs.CodeAccountLocked, "account locked")
	default:
		return errors.Errorf("backend status %d: %s", status, bytes.TrimSpace(raw))
	}
}
