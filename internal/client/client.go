// Package client is the agent's HTTP client for the central server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/response"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code response.ErrCode) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// ServerClient talks to the central server on behalf of one candidate.
type ServerClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// New creates a ServerClient. A zero timeout uses the default.
func New(baseURL, token string, timeout time.Duration, log zerolog.Logger) *ServerClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ServerClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "server_client").Logger(),
	}
}

// Sync uploads the current answers of the attempt.
func (c *ServerClient) Sync(ctx context.Context, payload model.SyncPayload) (model.SyncAck, error) {
	var ack model.SyncAck
	err := c.do(ctx, http.MethodPost, "/api/v1/student/exams/"+payload.ExamID.String()+"/sync", payload, &ack)
	return ack, err
}

// Submit delivers the final answers. The server answers repeated submits
// with the stored result.
func (c *ServerClient) Submit(ctx context.Context, req model.SubmitRequest) (model.SubmitResult, error) {
	var res model.SubmitResult
	err := c.do(ctx, http.MethodPost, "/api/v1/student/exams/"+req.ExamID.String()+"/submit", req, &res)
	return res, err
}

// Heartbeat pushes the session projection for the live monitor.
func (c *ServerClient) Heartbeat(ctx context.Context, sess model.ExamSession) (model.HeartbeatAck, error) {
	var ack model.HeartbeatAck
	err := c.do(ctx, http.MethodPost, "/api/v1/student/exams/"+sess.ExamID.String()+"/heartbeat", sess, &ack)
	return ack, err
}

// ProctorSettings fetches the current thresholds.
func (c *ServerClient) ProctorSettings(ctx context.Context) (model.ProctorSettings, error) {
	var s model.ProctorSettings
	err := c.do(ctx, http.MethodGet, "/api/v1/public/proctor-settings", nil, &s)
	return s, err
}

// Health returns nil when the server is reachable and serving.
func (c *ServerClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func (c *ServerClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		c.log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("code", string(apiErr.Code)).Msg("Request rejected")
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
	UserID    int    `json:"user_id"`
}

var ErrNotStudentToken = errors.New("token is not a student token")

// StudentIDFromToken reads the candidate id from an agent token without
// verifying its signature; only the server holds the key.
func StudentIDFromToken(token string) (int, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}
	if claims.TokenType != "student" || claims.UserID <= 0 {
		return 0, ErrNotStudentToken
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return 0, jwt.ErrTokenExpired
	}
	return claims.UserID, nil
}
