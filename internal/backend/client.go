// Package backend talks to the remote AI backend and the conversation service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"lexichat/internal/apperr"
	"lexichat/internal/logger"
)

// ErrUnauthorized is returned when the conversation service rejects the bearer token.
var ErrUnauthorized = errors.New("backend: unauthorized")

const maxResponseBytes = 4 << 20

type httpClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     *zap.Logger
}

func newHTTPClient(baseURL string, timeout time.Duration, log *zap.Logger) httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		log:     logger.OrNop(log),
	}
}

// doJSON sends body (if any) as JSON and returns the raw response payload.
func (c httpClient) doJSON(ctx context.Context, op, method, path, token string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	return c.do(ctx, op, method, path, token, "application/json", reader)
}

func (c httpClient) do(ctx context.Context, op, method, path, token, contentType string, body io.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("backend call failed", zap.String("op", op), zap.Error(err))
		return nil, apperr.Transient(op, 0, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Transient(op, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	c.log.Debug("backend call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, apperr.Transient(op, resp.StatusCode, errors.New(snippet(payload)))
	}
	return payload, nil
}

func snippet(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return "empty response"
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
