// Package agents runs the four pipeline agents: the synchronous PM
// intake agent and the spawned dev, qa and tech-lead sessions.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/config"
	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
)

// SpawnRequest describes one isolated agent session to start.
type SpawnRequest struct {
	Task           string
	Label          string
	Model          string
	RunTimeoutSecs int
}

// Session is the handle returned by the agent host for a spawned run.
type Session struct {
	RunID           string `json:"runId"`
	ChildSessionKey string `json:"childSessionKey"`
}

// Spawner starts background agent sessions on the external agent host.
// Spawn must return within the invoke timeout; it never waits for the
// session to finish.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*Session, error)
}

// HTTPSpawner talks to the agent host's /tools/invoke endpoint.
type HTTPSpawner struct {
	cfg    config.AgentHostConfig
	client *http.Client
	logger *logger.Logger
}

// NewHTTPSpawner creates a spawner against the configured agent host.
func NewHTTPSpawner(cfg config.AgentHostConfig, log *logger.Logger) *HTTPSpawner {
	return &HTTPSpawner{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.InvokeTimeout()},
		logger: log.WithFields(zap.String("component", "spawner")),
	}
}

type invokeResponse struct {
	OK     bool     `json:"ok"`
	Result *Session `json:"result"`
}

// Spawn starts an isolated session via the sessions_spawn tool. The
// task text is never logged: it carries decrypted site credentials.
func (s *HTTPSpawner) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	args := map[string]interface{}{
		"task":              req.Task,
		"model":             req.Model,
		"runTimeoutSeconds": req.RunTimeoutSecs,
		"cleanup":           "keep",
	}
	if req.Label != "" {
		args["label"] = req.Label
	}
	body, err := json.Marshal(map[string]interface{}{
		"tool": "sessions_spawn",
		"args": args,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to encode spawn request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to build spawn request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.logger.Warn("Agent host unreachable", zap.Error(err))
		return nil, apperrors.ServiceUnavailable("agent host")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.InternalError(fmt.Sprintf(
			"agent host returned %d: %s", resp.StatusCode, clip(string(respBody), 300)), nil)
	}

	var decoded invokeResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, apperrors.Wrap(err, "failed to decode spawn response")
	}
	if !decoded.OK || decoded.Result == nil || decoded.Result.RunID == "" {
		return nil, apperrors.InternalError(fmt.Sprintf(
			"sessions_spawn rejected: %s", clip(string(respBody), 300)), nil)
	}

	s.logger.Info("Agent session spawned",
		zap.String("run_id", decoded.Result.RunID),
		zap.String("label", req.Label),
		zap.String("model", req.Model))
	return decoded.Result, nil
}

// clip bounds a string to max runes for logs, chat and audit records.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
