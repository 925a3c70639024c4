package taskprocessor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/foodshare/fulfillment/internal/repository"
)

type failure struct {
	attempt int
	status  repository.TaskStatus
	next    time.Time
}

type fakeTaskRepo struct {
	mu         sync.Mutex
	tasks      []*repository.Task
	processing []int
	deleted    []int
	failures   map[int]failure
}

func newFakeTaskRepo(tasks ...*repository.Task) *fakeTaskRepo {
	return &fakeTaskRepo{tasks: tasks, failures: map[int]failure{}}
}

func (r *fakeTaskRepo) CreateTask(context.Context, string, []byte) error { return nil }

func (r *fakeTaskRepo) GetPendingTasks(_ context.Context, limit, maxAttempts int) ([]*repository.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*repository.Task
	for _, t := range r.tasks {
		if t.AttemptCount < maxAttempts && len(res) < limit {
			res = append(res, t)
		}
	}
	return res, nil
}

func (r *fakeTaskRepo) MarkTaskProcessing(_ context.Context, id int) error {
	r.mu.Lock()
	r.processing = append(r.processing, id)
	r.mu.Unlock()
	return nil
}

func (r *fakeTaskRepo) DeleteTask(_ context.Context, id int) error {
	r.mu.Lock()
	r.deleted = append(r.deleted, id)
	r.mu.Unlock()
	return nil
}

func (r *fakeTaskRepo) UpdateTaskFailure(_ context.Context, id, attempt int, status repository.TaskStatus, next time.Time) error {
	r.mu.Lock()
	r.failures[id] = failure{attempt: attempt, status: status, next: next}
	r.mu.Unlock()
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	failOn map[string]bool
	sent   []string
}

func (p *fakePublisher) Publish(topic string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[string(message)] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, topic+":"+string(message))
	return nil
}

func TestProcessPendingTasks(t *testing.T) {
	repo := newFakeTaskRepo(
		&repository.Task{ID: 1, Topic: "events", Payload: []byte("ok")},
		&repository.Task{ID: 2, Topic: "events", Payload: []byte("bad"), AttemptCount: 0},
		&repository.Task{ID: 3, Topic: "events", Payload: []byte("bad"), AttemptCount: 2},
	)
	pub := &fakePublisher{failOn: map[string]bool{"bad": true}}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p := NewTaskProcessor(repo, pub, time.Second, 10, 3, time.Minute)
	p.now = func() time.Time { return now }
	p.ProcessPendingTasks(context.Background())

	assert.Equal(t, []string{"events:ok"}, pub.sent)
	assert.Equal(t, []int{1, 2, 3}, repo.processing)
	assert.Equal(t, []int{1}, repo.deleted)

	assert.Equal(t, failure{attempt: 1, status: repository.TaskStatusFailed, next: now.Add(time.Minute)}, repo.failures[2])
	assert.Equal(t, repository.TaskStatusNoAttemptsLeft, repo.failures[3].status)
}

func TestStartStopsOnCancel(t *testing.T) {
	repo := newFakeTaskRepo(&repository.Task{ID: 1, Topic: "events", Payload: []byte("ok")})
	pub := &fakePublisher{}
	p := NewTaskProcessor(repo, pub, 5*time.Millisecond, 10, 3, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.deleted) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}
