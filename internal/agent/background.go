package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bizpilot/internal/domain"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskComplete  TaskStatus = "complete"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// BackgroundTask is a fire-and-forget job tied to one conversation.
type BackgroundTask struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	ConversationID string     `json:"conversation_id"`
	Status         TaskStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	DoneAt         time.Time  `json:"done_at,omitempty"`

	cancel context.CancelFunc
}

// BackgroundExecutor runs best-effort tasks. Failures are logged and never
// reach the caller; CancelConversation stops every task registered for a
// conversation.
type BackgroundExecutor struct {
	mu      sync.RWMutex
	tasks   map[string]*BackgroundTask
	root    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	timeout time.Duration
	keep    time.Duration
	logger  *slog.Logger
}

const defaultTaskRetention = time.Minute

func NewBackgroundExecutor(timeout time.Duration, logger *slog.Logger) *BackgroundExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	root, stop := context.WithCancel(context.Background())
	return &BackgroundExecutor{
		tasks:   make(map[string]*BackgroundTask),
		root:    root,
		stop:    stop,
		timeout: timeout,
		keep:    defaultTaskRetention,
		logger:  logger,
	}
}

// SetRetention sets how long a finished task stays visible to Get before it
// is dropped. Call it before the first Submit.
func (be *BackgroundExecutor) SetRetention(d time.Duration) {
	if d > 0 {
		be.keep = d
	}
}

// Submit starts fn in its own goroutine with a context detached from the
// caller's, bounded by the executor timeout. Returns the task id.
func (be *BackgroundExecutor) Submit(conversationID, name string, fn func(ctx context.Context) error) string {
	ctx, cancel := context.WithTimeout(be.root, be.timeout)
	task := &BackgroundTask{
		ID:             uuid.NewString(),
		Name:           name,
		ConversationID: conversationID,
		Status:         TaskPending,
		StartedAt:      time.Now(),
		cancel:         cancel,
	}

	be.mu.Lock()
	be.tasks[task.ID] = task
	be.mu.Unlock()
	be.wg.Add(1)

	go func() {
		defer be.wg.Done()
		defer cancel()

		be.setStatus(task, TaskRunning, nil)
		err := be.run(ctx, fn)

		switch {
		case err == nil:
			be.setStatus(task, TaskComplete, nil)
		case ctx.Err() == context.Canceled:
			be.setStatus(task, TaskCancelled, err)
			be.logger.Debug("background task cancelled", "task", name, "conversation_id", conversationID)
		default:
			be.setStatus(task, TaskFailed, err)
			be.logger.Error("background task failed",
				"task", name,
				"conversation_id", conversationID,
				"err", &domain.BackgroundTaskError{Task: name, ConversationID: conversationID, Err: err},
			)
		}
		time.AfterFunc(be.keep, func() { be.forget(task.ID) })
	}()

	return task.ID
}

func (be *BackgroundExecutor) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (be *BackgroundExecutor) setStatus(task *BackgroundTask, status TaskStatus, err error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	task.Status = status
	if err != nil {
		task.Error = err.Error()
	}
	if status != TaskRunning {
		task.DoneAt = time.Now()
	}
}

func (be *BackgroundExecutor) forget(id string) {
	be.mu.Lock()
	delete(be.tasks, id)
	be.mu.Unlock()
}

// Len counts the tasks still tracked, finished ones included.
func (be *BackgroundExecutor) Len() int {
	be.mu.RLock()
	defer be.mu.RUnlock()
	return len(be.tasks)
}

// Cancel stops one task. Unknown ids are ignored.
func (be *BackgroundExecutor) Cancel(id string) {
	be.mu.RLock()
	task, ok := be.tasks[id]
	be.mu.RUnlock()
	if ok {
		task.cancel()
	}
}

// CancelConversation stops every live task for the conversation and returns how many it signalled.
func (be *BackgroundExecutor) CancelConversation(conversationID string) int {
	be.mu.RLock()
	defer be.mu.RUnlock()
	n := 0
	for _, t := range be.tasks {
		if t.ConversationID == conversationID && (t.Status == TaskPending || t.Status == TaskRunning) {
			t.cancel()
			n++
		}
	}
	return n
}

func (be *BackgroundExecutor) Get(id string) (BackgroundTask, bool) {
	be.mu.RLock()
	defer be.mu.RUnlock()
	task, ok := be.tasks[id]
	if !ok {
		return BackgroundTask{}, false
	}
	return *task, true
}

// ListActive returns tasks that are still pending or running.
func (be *BackgroundExecutor) ListActive() []BackgroundTask {
	be.mu.RLock()
	defer be.mu.RUnlock()
	var result []BackgroundTask
	for _, t := range be.tasks {
		if t.Status == TaskPending || t.Status == TaskRunning {
			result = append(result, *t)
		}
	}
	return result
}

// Clean drops finished tasks older than maxAge.
func (be *BackgroundExecutor) Clean(maxAge time.Duration) int {
	be.mu.Lock()
	defer be.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, t := range be.tasks {
		if !t.DoneAt.IsZero() && t.DoneAt.Before(cutoff) {
			delete(be.tasks, id)
			removed++
		}
	}
	return removed
}

// Wait blocks until every submitted task has returned.
func (be *BackgroundExecutor) Wait() {
	be.wg.Wait()
}

// Shutdown cancels everything still running and waits for it to unwind.
func (be *BackgroundExecutor) Shutdown() {
	be.stop()
	be.wg.Wait()
}
