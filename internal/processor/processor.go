package taskprocessor

import (
	"context"
	"time"

	"github.com/google/logger"

	"github.com/foodshare/fulfillment/internal/notify"
	"github.com/foodshare/fulfillment/internal/repository"
)

// TaskProcessor drains the notification outbox into a publisher.
type TaskProcessor struct {
	repo         repository.TaskRepository
	publisher    notify.Publisher
	pollInterval time.Duration
	limit        int
	maxAttempts  int
	retryDelay   time.Duration
	now          func() time.Time
}

func NewTaskProcessor(repo repository.TaskRepository, publisher notify.Publisher, pollInterval time.Duration, limit, maxAttempts int, retryDelay time.Duration) *TaskProcessor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &TaskProcessor{
		repo:         repo,
		publisher:    publisher,
		pollInterval: pollInterval,
		limit:        limit,
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
		now:          time.Now,
	}
}

func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessPendingTasks(ctx)
		}
	}
}

// ProcessPendingTasks publishes one page of due tasks.
func (p *TaskProcessor) ProcessPendingTasks(ctx context.Context) {
	tasks, err := p.repo.GetPendingTasks(ctx, p.limit, p.maxAttempts)
	if err != nil {
		logger.Errorf("error fetching pending tasks: %v", err)
		return
	}
	for _, task := range tasks {
		if err := p.repo.MarkTaskProcessing(ctx, task.ID); err != nil {
			logger.Errorf("error marking task %d as PROCESSING: %v", task.ID, err)
			continue
		}

		if err := p.publisher.Publish(task.Topic, task.Payload); err != nil {
			p.fail(ctx, task, err)
			continue
		}
		if err := p.repo.DeleteTask(ctx, task.ID); err != nil {
			logger.Errorf("error deleting task %d after successful publish: %v", task.ID, err)
		}
	}
}

func (p *TaskProcessor) fail(ctx context.Context, task *repository.Task, err error) {
	attempt := task.AttemptCount + 1
	status := repository.TaskStatusFailed
	if attempt >= p.maxAttempts {
		status = repository.TaskStatusNoAttemptsLeft
	}
	if errUpd := p.repo.UpdateTaskFailure(ctx, task.ID, attempt, status, p.now().Add(p.retryDelay)); errUpd != nil {
		logger.Errorf("error updating task %d on failure: %v", task.ID, errUpd)
	}
	logger.Warningf("failed to publish task %d (attempt %d/%d): %v", task.ID, attempt, p.maxAttempts, err)
}
