// Package retry keeps carts that were accepted with an offline payment
// method while the backend was unreachable, and resends them once it is
// reachable again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/utafrali/selfscan-checkout/internal/checkout"
)

// MaxFailures is the number of failed resends after which a saved cart is
// dropped.
const MaxFailures = 3

// DefaultTimeout bounds the checkout info request of a resend.
const DefaultTimeout = 10 * time.Second

// SavedCart is a cart finalized offline that still has to reach the backend.
type SavedCart struct {
	ID            string                 `json:"id"`
	Cart          checkout.BackendCart   `json:"cart"`
	PaymentMethod checkout.PaymentMethod `json:"paymentMethod"`
	FinalizedAt   time.Time              `json:"finalizedAt"`
	FailureCount  int                    `json:"failureCount"`
}

// Store persists the saved carts of a project. Save replaces the whole list.
type Store interface {
	Load(ctx context.Context, projectID string) ([]SavedCart, error)
	Save(ctx context.Context, projectID string, carts []SavedCart) error
}

// Connectivity reports whether the backend is currently reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Skip reasons of a flush that did not run.
const (
	SkipInProgress = "in_progress"
	SkipOffline    = "offline"
)

// FlushResult summarizes a flush pass.
type FlushResult struct {
	Skipped   string `json:"skipped,omitempty"`
	Dropped   int    `json:"dropped"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Queue is the retry queue of one project.
type Queue struct {
	projectID    string
	store        Store
	backend      checkout.Backend
	connectivity Connectivity
	logger       *slog.Logger
	timeout      time.Duration
	limiter      *rate.Limiter

	now          func() time.Time
	newSessionID func() string

	// mu serializes load-modify-save cycles on the store.
	mu       sync.Mutex
	flushing atomic.Bool
}

// NewQueue creates the retry queue of projectID. connectivity may be nil,
// in which case the backend is assumed reachable.
func NewQueue(projectID string, store Store, backend checkout.Backend, connectivity Connectivity, logger *slog.Logger) *Queue {
	return &Queue{
		projectID:    projectID,
		store:        store,
		backend:      backend,
		connectivity: connectivity,
		logger:       logger.With(slog.String("project_id", projectID)),
		timeout:      DefaultTimeout,
		now:          time.Now,
		newSessionID: uuid.NewString,
	}
}

// SetLimiter paces resends. The limiter may be shared by several queues so
// that a reconnect does not release every saved cart at once.
func (q *Queue) SetLimiter(l *rate.Limiter) { q.limiter = l }

// errNotSent marks a cart whose resend never started.
var errNotSent = errors.New("resend not started")

// ProjectID returns the project the queue belongs to.
func (q *Queue) ProjectID() string { return q.projectID }

// Enqueue saves cart as finalized now with the given payment method.
func (q *Queue) Enqueue(ctx context.Context, cart checkout.BackendCart, method checkout.PaymentMethod) error {
	saved := SavedCart{
		ID:            uuid.NewString(),
		Cart:          cart,
		PaymentMethod: method,
		FinalizedAt:   q.now().UTC(),
	}
	_, err := q.update(ctx, func(carts []SavedCart) ([]SavedCart, bool) {
		return append(carts, saved), true
	})
	if err != nil {
		return fmt.Errorf("enqueue saved cart: %w", err)
	}

	enqueuedTotal.Inc()
	q.logger.InfoContext(ctx, "saved cart enqueued",
		slog.String("saved_cart_id", saved.ID),
		slog.String("session_id", cart.SessionID),
		slog.String("payment_method", string(method)),
	)
	return nil
}

// List returns the saved carts of the project.
func (q *Queue) List(ctx context.Context) ([]SavedCart, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	carts, err := q.store.Load(ctx, q.projectID)
	if err != nil {
		return nil, fmt.Errorf("load saved carts: %w", err)
	}
	return carts, nil
}

// Flush resends every saved cart concurrently, paced by the limiter when
// one is set. Carts that could not get a slot before ctx ended are left
// untouched. Overlapping calls collapse
// into the running pass, and nothing is sent while the backend is offline.
// Carts that already failed MaxFailures times are dropped first.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	if !q.flushing.CompareAndSwap(false, true) {
		flushesTotal.WithLabelValues(SkipInProgress).Inc()
		return FlushResult{Skipped: SkipInProgress}, nil
	}
	defer q.flushing.Store(false)

	if q.connectivity != nil && !q.connectivity.Online(ctx) {
		flushesTotal.WithLabelValues(SkipOffline).Inc()
		return FlushResult{Skipped: SkipOffline}, nil
	}

	var res FlushResult
	pending, err := q.update(ctx, func(carts []SavedCart) ([]SavedCart, bool) {
		kept := make([]SavedCart, 0, len(carts))
		for _, c := range carts {
			if c.FailureCount >= MaxFailures {
				res.Dropped++
				continue
			}
			kept = append(kept, c)
		}
		return kept, res.Dropped > 0
	})
	if err != nil {
		flushesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("prune saved carts: %w", err)
	}
	if res.Dropped > 0 {
		resendsTotal.WithLabelValues("dropped").Add(float64(res.Dropped))
		q.logger.WarnContext(ctx, "dropped saved carts after repeated failures", slog.Int("count", res.Dropped))
	}
	res.Attempted = len(pending)
	if len(pending) == 0 {
		flushesTotal.WithLabelValues("empty").Inc()
		return res, nil
	}

	errs := make([]error, len(pending))
	var wg sync.WaitGroup
	for i, sc := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.limiter != nil {
				if err := q.limiter.Wait(ctx); err != nil {
					errs[i] = fmt.Errorf("%w: %w", errNotSent, err)
					return
				}
			}
			errs[i] = q.resend(ctx, sc)
		}()
	}
	wg.Wait()

	outcome := make(map[string]error, len(pending))
	for i, sc := range pending {
		if errors.Is(errs[i], errNotSent) {
			res.Attempted--
			continue
		}
		outcome[sc.ID] = errs[i]
		if errs[i] != nil {
			res.Failed++
			resendsTotal.WithLabelValues("failed").Inc()
			q.logger.WarnContext(ctx, "saved cart resend failed",
				slog.String("saved_cart_id", sc.ID),
				slog.Int("failure_count", sc.FailureCount+1),
				slog.String("error", errs[i].Error()),
			)
			continue
		}
		res.Succeeded++
		resendsTotal.WithLabelValues("sent").Inc()
	}

	// Carts enqueued while the pass was running are not in outcome and
	// survive untouched.
	_, err = q.update(ctx, func(carts []SavedCart) ([]SavedCart, bool) {
		kept := make([]SavedCart, 0, len(carts))
		for _, c := range carts {
			sendErr, attempted := outcome[c.ID]
			switch {
			case !attempted:
				kept = append(kept, c)
			case sendErr != nil:
				c.FailureCount++
				kept = append(kept, c)
			}
		}
		return kept, true
	})
	if err != nil {
		flushesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("persist flush result: %w", err)
	}

	flushesTotal.WithLabelValues("completed").Inc()
	q.logger.InfoContext(ctx, "retry queue flushed",
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Int("dropped", res.Dropped),
	)
	return res, nil
}

// TriggerFlush runs Flush in the background.
func (q *Queue) TriggerFlush(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if _, err := q.Flush(ctx); err != nil {
			q.logger.ErrorContext(ctx, "retry queue flush failed", slog.String("error", err.Error()))
		}
	}()
}

func (q *Queue) resend(ctx context.Context, sc SavedCart) error {
	cart := sc.Cart
	cart.SessionID = q.newSessionID()

	info, err := q.backend.CreateCheckoutInfo(ctx, cart, nil, q.timeout)
	if err != nil {
		return fmt.Errorf("create checkout info: %w", err)
	}

	finalizedAt := sc.FinalizedAt
	_, err = q.backend.CreatePaymentProcess(ctx, checkout.PaymentProcessRequest{
		SessionID:   cart.SessionID,
		Info:        info,
		Method:      sc.PaymentMethod,
		Offline:     true,
		FinalizedAt: &finalizedAt,
	})
	var forbidden *checkout.ProcessForbiddenError
	if errors.As(err, &forbidden) {
		q.logger.InfoContext(ctx, "saved cart already reached the backend, fetching its process",
			slog.String("saved_cart_id", sc.ID),
			slog.String("url", forbidden.URL),
		)
		if _, err := q.backend.UpdatePaymentProcess(ctx, forbidden.URL); err != nil {
			return fmt.Errorf("fetch existing payment process: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("create payment process: %w", err)
	}
	return nil
}

// update applies fn to the stored list and saves the result if fn reports
// a change. It returns the list fn produced.
func (q *Queue) update(ctx context.Context, fn func([]SavedCart) ([]SavedCart, bool)) ([]SavedCart, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	carts, err := q.store.Load(ctx, q.projectID)
	if err != nil {
		return nil, err
	}
	next, changed := fn(carts)
	if changed {
		if err := q.store.Save(ctx, q.projectID, next); err != nil {
			return nil, err
		}
	}
	queueSize.WithLabelValues(q.projectID).Set(float64(len(next)))
	return next, nil
}

// ProjectLister is implemented by stores that can enumerate the projects
// holding saved carts.
type ProjectLister interface {
	Projects(ctx context.Context) ([]string, error)
}
