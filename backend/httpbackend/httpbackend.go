// Package httpbackend implements backend.Auth against a JSON auth API.
// Transport failures surface as backend.ErrNetworkUnavailable; API-level
// failures map onto the backend error taxonomy so callers never parse
// message strings.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mreed/walletkit/backend"
)

const defaultTimeout = 30 * time.Second

// Client talks to the auth backend over HTTPS.
type Client struct {
	base *url.URL
	http *http.Client
	log  *zap.Logger
}

var _ backend.Auth = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a Client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: defaultTimeout},
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type loginRequest struct {
	Username  string `json:"username"`
	ProofKind string `json:"proof_kind"`
	Proof     []byte `json:"proof"`
	OTP       string `json:"otp,omitempty"`
}

type loginResponse struct {
	LoginKey []byte `json:"login_key"`
	Token    string `json:"token,omitempty"`
}

type errorResponse struct {
	Error             string    `json:"error"`
	OTPResetToken     string    `json:"otp_reset_token,omitempty"`
	OTPResetDate      time.Time `json:"otp_reset_date,omitzero"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
}

func (c *Client) Authenticate(ctx context.Context, username string, proof backend.Proof, otpCode string) (*backend.AuthResult, error) {
	var resp loginResponse
	err := c.post(ctx, "/v1/login", loginRequest{
		Username:  username,
		ProofKind: string(proof.Kind),
		Proof:     proof.Material,
		OTP:       otpCode,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &backend.AuthResult{
		LoginKey:    resp.LoginKey,
		TokenExpiry: tokenExpiry(resp.Token),
	}, nil
}

func (c *Client) SetupPIN(ctx context.Context, username, pin string, share []byte) error {
	return c.post(ctx, "/v1/pin/setup", map[string]any{
		"username": username,
		"pin":      pin,
		"share":    share,
	}, nil)
}

func (c *Client) SplitPIN(ctx context.Context, username, pin string) ([]byte, error) {
	var resp struct {
		Share []byte `json:"share"`
	}
	err := c.post(ctx, "/v1/pin/split", map[string]any{
		"username": username,
		"pin":      pin,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Share, nil
}

func (c *Client) RequestOTPReset(ctx context.Context, username, resetToken string) (time.Time, error) {
	var resp struct {
		Expiry time.Time `json:"expiry"`
	}
	err := c.post(ctx, "/v1/otp/reset", map[string]any{
		"username":    username,
		"reset_token": resetToken,
	}, &resp)
	if err != nil {
		return time.Time{}, err
	}
	return resp.Expiry, nil
}

func (c *Client) FetchRecoveryQuestions(ctx context.Context, username string) ([]backend.Question, error) {
	var resp struct {
		Questions []backend.Question `json:"questions"`
	}
	u := c.base.JoinPath("/v1/recovery/questions")
	q := u.Query()
	q.Set("username", username)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Questions, nil
}

func (c *Client) SetupRecovery(ctx context.Context, username string, questions []string, answersProof []byte) (string, error) {
	var resp struct {
		RecoveryToken string `json:"recovery_token"`
	}
	err := c.post(ctx, "/v1/recovery/setup", map[string]any{
		"username":      username,
		"questions":     questions,
		"answers_proof": answersProof,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.RecoveryToken, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %d", backend.ErrNetworkUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return decodeFailure(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// decodeFailure maps an API error payload onto the backend taxonomy.
func decodeFailure(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("%w: reading error body: %v", backend.ErrNetworkUnavailable, err)
	}
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, body)
	}

	switch apiErr.Error {
	case "invalid_credentials":
		return backend.ErrInvalidCredentials
	case "otp_required":
		return &backend.OTPRequiredError{
			ResetToken: apiErr.OTPResetToken,
			ResetDate:  apiErr.OTPResetDate,
		}
	case "too_many_attempts":
		return &backend.TooManyAttemptsError{
			RetryAfter: time.Duration(apiErr.RetryAfterSeconds) * time.Second,
		}
	default:
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, apiErr.Error)
	}
}

// tokenExpiry extracts the expiry claim from a backend session token. The
// token is already authenticated by the TLS channel; no local signature
// check is possible or needed, so the claims are read unverified.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
