package slack

import (
	"context"
	"log/slog"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// TaskStartedInput contains data for a task start notification.
type TaskStartedInput struct {
	TaskID  string
	Request string
}

// TaskFinishedInput contains data for a terminal task notification.
type TaskFinishedInput struct {
	TaskID   string
	Status   string // completed, failed, cancelled
	Summary  string
	Error    string
	ThreadTS string // cached from the start notification
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.With("component", "slack-service"),
	}
}

// NotifyTaskStarted sends a "task started" notification and returns the
// message timestamp so the terminal notification can thread under it.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyTaskStarted(ctx context.Context, input TaskStartedInput) string {
	if s == nil {
		return ""
	}

	blocks := BuildStartedMessage(input.TaskID, input.Request)
	ts, err := s.client.PostMessage(ctx, blocks, "", 5*time.Second)
	if err != nil {
		s.logger.Error("Failed to send Slack start notification",
			"task_id", input.TaskID, "error", err)
		return ""
	}
	return ts
}

// NotifyTaskFinished sends a terminal status notification, threaded under
// the start notification when its timestamp is known.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyTaskFinished(ctx context.Context, input TaskFinishedInput) {
	if s == nil {
		return
	}

	blocks := BuildTerminalMessage(input)
	if _, err := s.client.PostMessage(ctx, blocks, input.ThreadTS, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification",
			"task_id", input.TaskID, "status", input.Status, "error", err)
	}
}
