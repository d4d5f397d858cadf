package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/time/rate"

	"github.com/utafrali/selfscan-checkout/internal/checkout"
	"github.com/utafrali/selfscan-checkout/internal/retry"
)

// BackendFactory returns the backend port of a project. Every call must
// return an instance with its own cancellation scope.
type BackendFactory func(projectID string) checkout.Backend

// RetryQueues owns the retry queue of every project.
type RetryQueues struct {
	store        retry.Store
	backends     BackendFactory
	connectivity retry.Connectivity
	logger       *slog.Logger
	limiter      *rate.Limiter

	mu     sync.Mutex
	queues map[string]*retry.Queue
}

// NewRetryQueues creates an empty registry. Queues are created on first use.
func NewRetryQueues(store retry.Store, backends BackendFactory, connectivity retry.Connectivity, logger *slog.Logger) *RetryQueues {
	return &RetryQueues{
		store:        store,
		backends:     backends,
		connectivity: connectivity,
		logger:       logger,
		queues:       make(map[string]*retry.Queue),
	}
}

// WithResendRate paces the resends of every queue through one shared
// limiter of perSecond resends with the given burst. It must be called
// before the first queue is created.
func (r *RetryQueues) WithResendRate(perSecond float64, burst int) *RetryQueues {
	r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return r
}

// Queue returns the retry queue of projectID.
func (r *RetryQueues) Queue(projectID string) *retry.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[projectID]
	if !ok {
		q = retry.NewQueue(projectID, r.store, r.backends(projectID), r.connectivity, r.logger)
		if r.limiter != nil {
			q.SetLimiter(r.limiter)
		}
		r.queues[projectID] = q
	}
	return q
}

// Projects returns every project with a queue in memory or saved carts in
// the store.
func (r *RetryQueues) Projects(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if lister, ok := r.store.(retry.ProjectLister); ok {
		stored, err := lister.Projects(ctx)
		if err != nil {
			return nil, fmt.Errorf("list retry queue projects: %w", err)
		}
		ids = append(ids, stored...)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// FlushAll flushes the queue of every known project in turn.
func (r *RetryQueues) FlushAll(ctx context.Context) error {
	projects, err := r.Projects(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range projects {
		if _, err := r.Queue(id).Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// TriggerFlush starts a background flush of projectID, or of every known
// project when projectID is empty.
func (r *RetryQueues) TriggerFlush(ctx context.Context, projectID string) error {
	if projectID != "" {
		r.Queue(projectID).TriggerFlush(ctx)
		return nil
	}
	projects, err := r.Projects(ctx)
	if err != nil {
		return err
	}
	for _, id := range projects {
		r.Queue(id).TriggerFlush(ctx)
	}
	return nil
}
