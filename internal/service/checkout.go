package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/selfscan-checkout/internal/checkout"
	apperrors "github.com/utafrali/selfscan-checkout/pkg/errors"
	"github.com/utafrali/selfscan-checkout/pkg/logger"
)

const (
	defaultStartTimeout = 10 * time.Second
	defaultIdleTTL      = 30 * time.Minute
)

// EventSink receives the notifications of every shopping context.
type EventSink interface {
	Attach(ctx context.Context, contextID, projectID string, m *checkout.Machine) (detach func())
	ProfileRefresher(contextID, projectID, appUserID string) checkout.ProfileRefresher
}

// Config tunes the shopping contexts created by the service.
type Config struct {
	// StartTimeout bounds the checkout info request of Start.
	StartTimeout time.Duration
	// AllowFallback accepts carts offline when the backend is unreachable.
	AllowFallback bool
	PollInterval  time.Duration
	// IdleTTL is how long a context may sit finished before it is evicted.
	IdleTTL time.Duration
}

// CartItemInput is one scanned line of the cart.
type CartItemInput struct {
	ID          string `json:"id"`
	SKU         string `json:"sku" validate:"required"`
	ScannedCode string `json:"scanned_code"`
	Amount      int    `json:"amount" validate:"gte=1"`
	Weight      *int   `json:"weight,omitempty" validate:"omitempty,gte=0"`
	Units       *int   `json:"units,omitempty" validate:"omitempty,gte=0"`
	Price       *int64 `json:"price,omitempty" validate:"omitempty,gte=0"`
	CouponID    string `json:"coupon_id,omitempty"`
}

// CouponInput is a coupon of the project catalog.
type CouponInput struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

// CreateInput holds the parameters for creating a shopping context.
type CreateInput struct {
	ProjectID              string                   `json:"project_id" validate:"required"`
	ShopID                 string                   `json:"shop_id"`
	ClientID               string                   `json:"client_id"`
	AppUserID              string                   `json:"app_user_id"`
	LoyaltyCard            string                   `json:"loyalty_card"`
	Items                  []CartItemInput          `json:"items" validate:"required,min=1,dive"`
	TotalPrice             int64                    `json:"total_price" validate:"gte=0"`
	PaymentMethods         []checkout.PaymentMethod `json:"payment_methods"`
	AcceptedPaymentMethods []checkout.PaymentMethod `json:"accepted_payment_methods"`
	Coupons                []CouponInput            `json:"coupons" validate:"dive"`
}

// PayInput holds the parameters of a payment.
type PayInput struct {
	Method          checkout.PaymentMethod `json:"payment_method" validate:"required"`
	CredentialType  string                 `json:"credential_type"`
	EncryptedOrigin string                 `json:"encrypted_origin"`
}

// AbortInput holds the parameters of an abort.
type AbortInput struct {
	Error  bool `json:"error"`
	Silent bool `json:"silent"`
}

// View is the externally visible state of a shopping context.
type View struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
	checkout.Snapshot
	Cart cartStatus `json:"cart"`
}

type shoppingContext struct {
	id        string
	projectID string
	createdAt time.Time
	machine   *checkout.Machine
	cart      *sessionCart
	detach    []func()

	// lastActivity is a unix nano timestamp.
	lastActivity atomic.Int64
}

func (sc *shoppingContext) touch(now time.Time) {
	sc.lastActivity.Store(now.UnixNano())
}

func (sc *shoppingContext) view() *View {
	return &View{
		ID:        sc.id,
		ProjectID: sc.projectID,
		CreatedAt: sc.createdAt,
		Snapshot:  sc.machine.Snapshot(),
		Cart:      sc.cart.status(),
	}
}

func (sc *shoppingContext) close() {
	for _, d := range sc.detach {
		d()
	}
	sc.machine.Close()
}

// CheckoutService owns one checkout machine per shopping context.
type CheckoutService struct {
	backends BackendFactory
	retries  *RetryQueues
	events   EventSink
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	mu       sync.RWMutex
	contexts map[string]*shoppingContext
}

// NewCheckoutService creates a new checkout service. retries and events may
// be nil.
func NewCheckoutService(backends BackendFactory, retries *RetryQueues, events EventSink, logger *slog.Logger, cfg Config) *CheckoutService {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return &CheckoutService{
		backends: backends,
		retries:  retries,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		contexts: make(map[string]*shoppingContext),
	}
}

// Create registers a new shopping context for the given cart and starts its
// checkout.
func (s *CheckoutService) Create(ctx context.Context, input *CreateInput) (*View, error) {
	if input == nil {
		return nil, apperrors.InvalidInput("checkout input is required")
	}
	if input.ProjectID == "" {
		return nil, apperrors.InvalidInput("project_id is required")
	}
	if len(input.Items) == 0 {
		return nil, apperrors.InvalidInput("at least one item is required")
	}

	id := uuid.NewString()
	now := s.now().UTC()
	ctx = logger.WithShoppingContextID(logger.WithProjectID(ctx, input.ProjectID), id)

	cart := newSessionCart(backendCart(input), input.TotalPrice)
	project := &projectView{
		id:      input.ProjectID,
		shopID:  input.ShopID,
		methods: slices.Clone(input.PaymentMethods),
		coupons: coupons(input.Coupons),
	}

	opts := checkout.Options{PollInterval: s.cfg.PollInterval}
	if s.retries != nil {
		opts.Retry = s.retries.Queue(input.ProjectID)
	}
	if s.events != nil {
		opts.Profile = s.events.ProfileRefresher(id, input.ProjectID, input.AppUserID)
	}

	log := s.logger.With(
		slog.String("shopping_context_id", id),
		slog.String("project_id", input.ProjectID),
	)
	machine := checkout.New(s.backends(input.ProjectID), cart, project, log, opts)
	machine.SetClientAcceptedPaymentMethods(input.AcceptedPaymentMethods)

	sc := &shoppingContext{
		id:        id,
		projectID: input.ProjectID,
		createdAt: now,
		machine:   machine,
		cart:      cart,
	}
	sc.touch(now)
	sc.detach = append(sc.detach, machine.SubscribeState(func(checkout.State) {
		sc.touch(s.now())
	}).Unsubscribe)
	if s.events != nil {
		sc.detach = append(sc.detach, s.events.Attach(ctx, id, input.ProjectID, machine))
	}

	s.mu.Lock()
	s.contexts[id] = sc
	activeContexts.Set(float64(len(s.contexts)))
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "shopping context created",
		slog.Int("items", len(input.Items)),
		slog.Int64("total_price", input.TotalPrice),
	)

	machine.Start(ctx, s.cfg.StartTimeout, s.cfg.AllowFallback)
	return sc.view(), nil
}

// Get returns the current view of a shopping context.
func (s *CheckoutService) Get(_ context.Context, id string) (*View, error) {
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return sc.view(), nil
}

// RawProcess returns the last payment process document of a context.
func (s *CheckoutService) RawProcess(_ context.Context, id string) (json.RawMessage, error) {
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	raw := sc.machine.RawProcess()
	if raw == nil {
		return nil, apperrors.NotFound("payment process", id)
	}
	return raw, nil
}

// Start restarts the checkout of a context with its current cart.
func (s *CheckoutService) Start(ctx context.Context, id string) (*View, error) {
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sc.machine.Start(s.scoped(ctx, sc), s.cfg.StartTimeout, s.cfg.AllowFallback)
	return sc.view(), nil
}

// Pay starts paying with the given method.
func (s *CheckoutService) Pay(ctx context.Context, id string, input *PayInput) (*View, error) {
	if input == nil || input.Method == "" {
		return nil, apperrors.InvalidInput("payment_method is required")
	}
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	var creds *checkout.PaymentCredentials
	if input.EncryptedOrigin != "" {
		creds = &checkout.PaymentCredentials{Type: input.CredentialType, EncryptedOrigin: input.EncryptedOrigin}
	}
	if err := sc.machine.Pay(s.scoped(ctx, sc), input.Method, creds); err != nil {
		return nil, err
	}
	return sc.view(), nil
}

// Abort aborts the payment of a context. A silent abort resets the context
// without announcing the transition.
func (s *CheckoutService) Abort(ctx context.Context, id string, input *AbortInput) (*View, error) {
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	ctx = s.scoped(ctx, sc)
	if input != nil && input.Silent {
		sc.machine.AbortSilently(ctx)
	} else {
		sc.machine.Abort(ctx, input != nil && input.Error)
	}
	return sc.view(), nil
}

// Authorize sends a payment authorization token.
func (s *CheckoutService) Authorize(ctx context.Context, id, encryptedOrigin string) (*View, error) {
	if encryptedOrigin == "" {
		return nil, apperrors.InvalidInput("encrypted_origin is required")
	}
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := sc.machine.AuthorizePayment(s.scoped(ctx, sc), encryptedOrigin); err != nil {
		return nil, err
	}
	return sc.view(), nil
}

// ApproveOffline confirms an offline-capable payment method.
func (s *CheckoutService) ApproveOffline(ctx context.Context, id string) (*View, error) {
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := sc.machine.ApproveOfflineMethod(s.scoped(ctx, sc)); err != nil {
		return nil, err
	}
	return sc.view(), nil
}

// AddCode attaches a manual code to a context.
func (s *CheckoutService) AddCode(_ context.Context, id, code string) (*View, error) {
	if code == "" {
		return nil, apperrors.InvalidInput("code is required")
	}
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sc.machine.AddCode(code)
	return sc.view(), nil
}

// RemoveCode detaches a manual code from a context.
func (s *CheckoutService) RemoveCode(_ context.Context, id, code string) (*View, error) {
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if !sc.machine.RemoveCode(code) {
		return nil, apperrors.NotFound("code", code)
	}
	return sc.view(), nil
}

// SetAcceptedPaymentMethods restricts the methods offered on the next
// start. An empty list accepts every method.
func (s *CheckoutService) SetAcceptedPaymentMethods(_ context.Context, id string, methods []checkout.PaymentMethod) (*View, error) {
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sc.machine.SetClientAcceptedPaymentMethods(methods)
	return sc.view(), nil
}

// SetTaxation records the shopper's taxation choice and restarts the
// checkout when it was waiting for it.
func (s *CheckoutService) SetTaxation(ctx context.Context, id, value string) (*View, error) {
	if value == "" {
		return nil, apperrors.InvalidInput("taxation is required")
	}
	sc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sc.cart.setRequiredInformation(checkout.RequiredTaxation, value)
	if sc.machine.State() == checkout.StateRequestTaxation {
		sc.machine.Start(s.scoped(ctx, sc), s.cfg.StartTimeout, s.cfg.AllowFallback)
	}
	return sc.view(), nil
}

// Delete closes and forgets a context. Outstanding backend calls are
// cancelled; a running payment is not aborted.
func (s *CheckoutService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	sc, ok := s.contexts[id]
	if ok {
		delete(s.contexts, id)
		activeContexts.Set(float64(len(s.contexts)))
	}
	s.mu.Unlock()
	if !ok {
		return apperrors.NotFound("shopping context", id)
	}

	sc.close()
	s.logger.InfoContext(ctx, "shopping context deleted", slog.String("shopping_context_id", id))
	return nil
}

// Sweep evicts contexts that have been finished or reset for longer than
// the idle TTL and returns how many were evicted.
func (s *CheckoutService) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.IdleTTL).UnixNano()

	var evicted []*shoppingContext
	s.mu.Lock()
	for id, sc := range s.contexts {
		state := sc.machine.State()
		if !state.IsTerminal() && state != checkout.StateNone {
			continue
		}
		if sc.lastActivity.Load() > cutoff {
			continue
		}
		delete(s.contexts, id)
		evicted = append(evicted, sc)
	}
	activeContexts.Set(float64(len(s.contexts)))
	s.mu.Unlock()

	for _, sc := range evicted {
		sc.close()
	}
	if len(evicted) > 0 {
		evictedContextsTotal.Add(float64(len(evicted)))
		s.logger.InfoContext(ctx, "idle shopping contexts evicted", slog.Int("count", len(evicted)))
	}
	return len(evicted)
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *CheckoutService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Close closes every context.
func (s *CheckoutService) Close() {
	s.mu.Lock()
	contexts := s.contexts
	s.contexts = make(map[string]*shoppingContext)
	activeContexts.Set(0)
	s.mu.Unlock()

	for _, sc := range contexts {
		sc.close()
	}
}

func (s *CheckoutService) lookup(id string) (*shoppingContext, error) {
	s.mu.RLock()
	sc, ok := s.contexts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("shopping context", id)
	}
	sc.touch(s.now())
	return sc, nil
}

func (s *CheckoutService) scoped(ctx context.Context, sc *shoppingContext) context.Context {
	return logger.WithShoppingContextID(logger.WithProjectID(ctx, sc.projectID), sc.id)
}

func backendCart(input *CreateInput) checkout.BackendCart {
	items := make([]checkout.BackendCartItem, len(input.Items))
	for i, it := range input.Items {
		id := it.ID
		if id == "" {
			id = uuid.NewString()
		}
		items[i] = checkout.BackendCartItem{
			ID:          id,
			SKU:         it.SKU,
			ScannedCode: it.ScannedCode,
			Amount:      it.Amount,
			Weight:      it.Weight,
			Units:       it.Units,
			Price:       it.Price,
			CouponID:    it.CouponID,
		}
	}

	cart := checkout.BackendCart{
		SessionID: uuid.NewString(),
		ShopID:    input.ShopID,
		ClientID:  input.ClientID,
		AppUserID: input.AppUserID,
		Items:     items,
	}
	if input.LoyaltyCard != "" {
		cart.Customer = &checkout.Customer{LoyaltyCard: input.LoyaltyCard}
	}
	return cart
}

func coupons(in []CouponInput) []checkout.Coupon {
	out := make([]checkout.Coupon, len(in))
	for i, c := range in {
		out[i] = checkout.Coupon{ID: c.ID, Name: c.Name}
	}
	return out
}
