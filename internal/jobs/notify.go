package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

// JobNotifier emits job lifecycle events for the UI. Implementations are
// best-effort: a lost event never affects the run.
type JobNotifier interface {
	JobProgress(accountID uuid.UUID, job *types.GenerationJob, stage string, message string)
	JobFailed(accountID uuid.UUID, job *types.GenerationJob, stage string, errorMessage string)
	JobDone(accountID uuid.UUID, job *types.GenerationJob)
}

type redisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedisNotifier(baseLog *logger.Logger, addr, channel string) (JobNotifier, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	if strings.TrimSpace(channel) == "" {
		channel = "jobs"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisNotifier{
		log:     baseLog.With("service", "RedisJobNotifier"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (n *redisNotifier) publish(accountID uuid.UUID, event string, data map[string]any) {
	raw, err := json.Marshal(map[string]any{
		"channel": accountID.String(),
		"event":   event,
		"data":    data,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		n.log.Warn("failed to publish job event", "event", event, "error", err)
	}
}

func (n *redisNotifier) JobProgress(accountID uuid.UUID, job *types.GenerationJob, stage string, message string) {
	if job == nil {
		return
	}
	n.publish(accountID, "job_progress", map[string]any{
		"job_id":       job.ID,
		"status":       job.Status,
		"current_step": job.CurrentStep,
		"stage":        stage,
		"message":      message,
	})
}

func (n *redisNotifier) JobFailed(accountID uuid.UUID, job *types.GenerationJob, stage string, errorMessage string) {
	if job == nil {
		return
	}
	n.publish(accountID, "job_failed", map[string]any{
		"job_id": job.ID,
		"stage":  stage,
		"error":  errorMessage,
	})
}

func (n *redisNotifier) JobDone(accountID uuid.UUID, job *types.GenerationJob) {
	if job == nil {
		return
	}
	n.publish(accountID, "job_done", map[string]any{
		"job_id":         job.ID,
		"status":         job.Status,
		"estimated_cost": job.EstimatedCost,
	})
}

// NopNotifier is used when redis is not configured and in tests.
type NopNotifier struct{}

func (NopNotifier) JobProgress(uuid.UUID, *types.GenerationJob, string, string) {}
func (NopNotifier) JobFailed(uuid.UUID, *types.GenerationJob, string, string)   {}
func (NopNotifier) JobDone(uuid.UUID, *types.GenerationJob)                     {}
