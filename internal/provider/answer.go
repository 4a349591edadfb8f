// Package provider implements the client for the backend answering service.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultAnswerTimeout = 15 * time.Second

// AnswerService implements domain.Answerer against the HTTP answering
// backend. Every question is sent with the statically configured user id.
type AnswerService struct {
	url    string
	userID string
	client *http.Client
	logger *slog.Logger
}

type AnswerServiceConfig struct {
	URL     string
	UserID  string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewAnswerService(cfg AnswerServiceConfig) *AnswerService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAnswerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AnswerService{
		url:    cfg.URL,
		userID: cfg.UserID,
		client: SharedHTTPClient(cfg.Timeout),
		logger: cfg.Logger,
	}
}

// NewAnswerServiceWithClient is used by tests to inject a client.
func NewAnswerServiceWithClient(cfg AnswerServiceConfig, client *http.Client) *AnswerService {
	s := NewAnswerService(cfg)
	if client != nil {
		s.client = client
	}
	return s
}

func (s *AnswerService) Name() string { return "answer" }

// answerRequest matches the answering service request body.
type answerRequest struct {
	Question string `json:"question"`
	UserID   string `json:"user_id"`
}

type answerResponse struct {
	Response string `json:"response"`
}

// Ask sends the question and returns the service reply text. Any failure —
// transport error, timeout, non-200 status, malformed or empty body — comes
// back as an error; the relay substitutes the fallback reply.
func (s *AnswerService) Ask(ctx context.Context, question string) (string, error) {
	body, err := json.Marshal(answerRequest{Question: question, UserID: s.userID})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("answering service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("answering service status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed answerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Response == "" {
		return "", fmt.Errorf("empty response field")
	}

	return parsed.Response, nil
}

// Healthy probes the answering service endpoint.
func (s *AnswerService) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("answering service not reachable: %w", err)
	}
	defer resp.Body.Close()

	// Many backends 404 or 405 a bare GET on the ask endpoint; reachability
	// is what the probe is for.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("answering service returned status %d", resp.StatusCode)
	}
	return nil
}
