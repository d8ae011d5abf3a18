// Package queue runs background tasks on asynq, backed by Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// Task is a unit of background work.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes one task. A non-nil error schedules a retry.
type Handler func(ctx context.Context, t Task) error

// EnqueueOption tunes scheduling of one task.
type EnqueueOption struct {
	ProcessIn time.Duration
	Queue     string
	MaxRetry  int
	UniqueTTL time.Duration
}

// Enqueuer is the producer side used by domain services.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task, opt EnqueueOption) (string, error)
}

// Client enqueues tasks.
type Client struct {
	client *asynq.Client
}

var _ Enqueuer = (*Client)(nil)

// NewClient connects a producer to the Redis at redisURL.
func NewClient(redisURL string) (*Client, error) {
	opt, err := redisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	return &Client{client: asynq.NewClient(opt)}, nil
}

// Enqueue schedules t and returns the task id.
func (c *Client) Enqueue(ctx context.Context, t Task, opt EnqueueOption) (string, error) {
	if t.Type == "" {
		return "", errors.New("queue: task type is required")
	}
	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(t.Type, t.Payload), asynqOptions(opt)...)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", t.Type, err)
	}
	return info.ID, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// ServerConfig tunes the worker.
type ServerConfig struct {
	Concurrency int
	// Queues is a CSV of name=weight pairs, e.g. "payments=3,default=1".
	Queues string
}

// Server consumes tasks.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer builds a worker against the Redis at redisURL.
func NewServer(redisURL string, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	opt, err := redisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	queues := parseQueueWeights(cfg.Queues)
	if len(queues) == 0 {
		queues = map[string]int{"default": 1}
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.WarnContext(ctx, "task failed", slog.String("type", task.Type()), slog.Any("error", err))
		}),
	})
	return &Server{server: srv, mux: asynq.NewServeMux()}, nil
}

// Register routes a task type to h.
func (s *Server) Register(taskType string, h Handler) {
	s.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		return h(ctx, Task{Type: t.Type(), Payload: t.Payload()})
	})
}

// Run starts the worker and blocks until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("queue: start: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func redisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	if redisURL == "" {
		return nil, errors.New("queue: empty redis url")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return opt, nil
}

func asynqOptions(op EnqueueOption) []asynq.Option {
	var out []asynq.Option
	if op.ProcessIn > 0 {
		out = append(out, asynq.ProcessIn(op.ProcessIn))
	}
	if op.Queue != "" {
		out = append(out, asynq.Queue(op.Queue))
	}
	if op.MaxRetry > 0 {
		out = append(out, asynq.MaxRetry(op.MaxRetry))
	}
	if op.UniqueTTL > 0 {
		out = append(out, asynq.Unique(op.UniqueTTL))
	}
	return out
}

// parseQueueWeights parses "critical=6,default=3,low" into a weight map.
// Missing or invalid weights count as 1.
func parseQueueWeights(s string) map[string]int {
	res := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		name := strings.TrimSpace(kv[0])
		if name == "" {
			continue
		}
		w := 1
		if len(kv) == 2 {
			if i, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil && i > 0 {
				w = i
			}
		}
		res[name] = w
	}
	return res
}
