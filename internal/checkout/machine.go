package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	apperrors "github.com/utafrali/selfscan-checkout/pkg/errors"
)

// DefaultPollInterval is the delay between two polls of a payment process.
const DefaultPollInterval = 2 * time.Second

// Options configures optional collaborators of a Machine.
type Options struct {
	PollInterval time.Duration
	Retry        RetryEnqueuer
	Profile      ProfileRefresher
}

// Machine coordinates one shopping context's checkout. Every field below mu
// is owned by the mutex. Backend calls run on their own goroutines and post
// their results back under mu; a result whose generation is no longer
// current is dropped.
type Machine struct {
	backend      Backend
	cart         Cart
	project      Project
	retry        RetryEnqueuer
	profile      ProfileRefresher
	logger       *slog.Logger
	pollInterval time.Duration
	notifier     *notifier

	mu            sync.Mutex
	state         State
	generation    uint64
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	pollTimer     *time.Timer
	closed        bool

	signedInfo          *SignedCheckoutInfo
	process             *CheckoutProcess
	method              PaymentMethod
	priceToPay          int64
	verifiedOnlinePrice int64
	invalidProducts     []InvalidProduct
	redeemedCoupons     []Coupon
	authRequest         *AuthorizePaymentRequest
	authFailed          bool
	fulfillmentDone     bool

	acceptedMethods []PaymentMethod
	codes           []string
}

// New creates a Machine in state NONE.
func New(backend Backend, cart Cart, project Project, logger *slog.Logger, opts Options) *Machine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	m := &Machine{
		backend:      backend,
		cart:         cart,
		project:      project,
		retry:        opts.Retry,
		profile:      opts.Profile,
		logger:       logger,
		pollInterval: opts.PollInterval,
		notifier:     newNotifier(logger),
		state:        StateNone,
	}
	m.sessionCtx, m.sessionCancel = context.WithCancel(context.Background())
	return m
}

// SubscribeState registers a state listener. Listeners are called on a
// single delivery goroutine in transition order.
func (m *Machine) SubscribeState(l StateListener) *Subscription {
	return m.notifier.subscribeState(l)
}

// SubscribeFulfillment registers a fulfillment listener.
func (m *Machine) SubscribeFulfillment(l FulfillmentListener) *Subscription {
	return m.notifier.subscribeFulfillment(l)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins a new checkout for the current cart. Any previous session is
// discarded together with its in-flight calls. When the backend cannot be
// reached and allowFallback is set, the cart is accepted with the project's
// offline fallback method and queued for a later resend.
func (m *Machine) Start(ctx context.Context, timeout time.Duration, allowFallback bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.project.HasCheckedInShop() {
		m.resetSession(ctx)
		m.clearSession()
		m.setState(StateNoShop, false)
		return
	}

	m.cancelCalls(ctx)
	m.clearSession()
	m.setState(StateHandshaking, false)

	cart := m.cart.BackendCart()
	accepted := slices.Clone(m.acceptedMethods)
	gen, sctx := m.generation, m.sessionCtx

	go func() {
		info, err := m.backend.CreateCheckoutInfo(sctx, cart, accepted, timeout)

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.current(gen) {
			return
		}
		m.handleCheckoutInfo(sctx, cart, info, err, allowFallback)
	}()
}

func (m *Machine) handleCheckoutInfo(ctx context.Context, cart BackendCart, info *SignedCheckoutInfo, err error, allowFallback bool) {
	if err != nil {
		var invalid *InvalidProductsError
		switch {
		case errors.As(err, &invalid):
			m.invalidProducts = invalid.Products
			m.setState(StateInvalidProducts, false)
		case errors.Is(err, ErrNoPaymentMethodAvailable):
			m.setState(StateNoPaymentMethodAvailable, false)
		case errors.Is(err, ErrNoShop):
			m.setState(StateNoShop, false)
		case errors.Is(err, ErrConnection):
			m.fallbackOrFail(ctx, cart, allowFallback)
		default:
			m.logger.Warn("checkout info rejected", slog.String("error", err.Error()))
			m.setState(StateConnectionError, false)
		}
		return
	}

	m.signedInfo = info
	if info.Info.RequiresTaxation() {
		m.setState(StateRequestTaxation, false)
		return
	}

	m.verifiedOnlinePrice = info.Info.Price.Price
	m.priceToPay = info.Info.Price.Price

	switch {
	case len(info.AvailableMethods) == 0:
		m.setState(StateNoPaymentMethodAvailable, false)
	case len(info.AvailableMethods) == 1 && !info.AvailableMethods[0].RequiresCredentials():
		m.pay(info.AvailableMethods[0].ID, nil)
	default:
		m.setState(StateRequestPaymentMethod, false)
	}
}

func (m *Machine) fallbackOrFail(ctx context.Context, cart BackendCart, allowFallback bool) {
	method, ok := offlineFallback(m.project)
	if !ok || !allowFallback {
		m.setState(StateConnectionError, false)
		return
	}

	m.logger.Info("backend unreachable, accepting cart with offline fallback",
		slog.String("payment_method", string(method)),
		slog.String("session_id", cart.SessionID),
	)
	m.method = method
	m.priceToPay = m.cart.TotalPrice()

	if m.retry != nil {
		enqueueCtx := context.WithoutCancel(ctx)
		go func() {
			if err := m.retry.Enqueue(enqueueCtx, cart, method); err != nil {
				m.logger.Error("failed to enqueue offline cart",
					slog.String("session_id", cart.SessionID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	m.setState(StateWaitForApproval, false)
}

// Pay creates a payment process for the signed checkout info of the
// current session.
func (m *Machine) Pay(ctx context.Context, method PaymentMethod, creds *PaymentCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.signedInfo == nil || !CanTransition(m.state, StateVerifyingPaymentMethod) {
		return apperrors.InvalidState("pay", string(m.state))
	}
	m.cancelCalls(ctx)
	m.pay(method, creds)
	return nil
}

func (m *Machine) pay(method PaymentMethod, creds *PaymentCredentials) {
	m.method = method
	m.process = nil
	m.authRequest = nil
	m.authFailed = false
	m.fulfillmentDone = false
	m.setState(StateVerifyingPaymentMethod, false)

	req := PaymentProcessRequest{
		SessionID:   m.cart.BackendCart().SessionID,
		Info:        m.signedInfo,
		Method:      method,
		Credentials: creds,
	}
	gen, sctx := m.generation, m.sessionCtx

	go func() {
		process, err := m.backend.CreatePaymentProcess(sctx, req)
		var forbidden *ProcessForbiddenError
		if errors.As(err, &forbidden) {
			m.logger.Info("payment process already exists, fetching it",
				slog.String("url", forbidden.URL),
			)
			process, err = m.backend.UpdatePaymentProcess(sctx, forbidden.URL)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.current(gen) {
			return
		}
		if err != nil {
			m.logger.Warn("failed to create payment process",
				slog.String("payment_method", string(method)),
				slog.String("error", err.Error()),
			)
			m.setState(StateConnectionError, false)
			return
		}

		m.process = process
		m.evaluate()
		if m.generation == gen && !method.IsOfflineOnly() {
			m.schedulePoll()
		}
	}()
}

func (m *Machine) poll(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.process == nil {
		m.mu.Unlock()
		return
	}
	m.pollTimer = nil
	url := m.process.Links.Self.Href
	sctx := m.sessionCtx
	m.mu.Unlock()

	process, err := m.backend.UpdatePaymentProcess(sctx, url)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(gen) {
		return
	}
	if err != nil {
		pollsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("payment process poll failed", slog.String("error", err.Error()))
		m.schedulePoll()
		return
	}
	pollsTotal.WithLabelValues("ok").Inc()

	m.process = process
	m.evaluate()
	if m.generation == gen {
		m.schedulePoll()
	}
}

// schedulePoll arms the poll timer while the state still waits on the
// backend, or while an approved checkout has open fulfillments.
func (m *Machine) schedulePoll() {
	if m.process == nil || m.closed {
		return
	}
	if !m.state.IsPolling() && !(m.state == StatePaymentApproved && hasOpenFulfillments(m.process)) {
		return
	}
	gen := m.generation
	m.pollTimer = time.AfterFunc(m.pollInterval, func() { m.poll(gen) })
}

func (m *Machine) evaluate() {
	d := Evaluate(m.state, m.process, AuthorizationStatus{
		Stored: m.authRequest != nil,
		Failed: m.authFailed,
	})
	m.apply(d)
}

func (m *Machine) apply(d Decision) {
	if d.ResendAuthorization {
		m.authFailed = false
		m.sendAuthorization()
	}
	if d.AbortProcess {
		m.abortInBackground(m.process)
	}

	if d.Approve {
		m.approve()
	} else if d.Next != "" {
		m.setState(d.Next, d.Force)
	}

	if d.FulfillmentDone {
		m.notifyFulfillmentDone()
	}
	if d.FulfillmentUpdate {
		m.notifier.fulfillment(FulfillmentEvent{Fulfillments: m.fulfillments()})
	}
	if d.SilentAbort {
		process := m.process
		m.cancelCalls(m.sessionCtx)
		m.process = nil
		m.authRequest = nil
		if process != nil {
			m.abortInBackground(process)
		}
	}
}

func (m *Machine) notifyFulfillmentDone() {
	if m.fulfillmentDone {
		return
	}
	m.fulfillmentDone = true
	m.notifier.fulfillment(FulfillmentEvent{Done: true, Fulfillments: m.fulfillments()})
}

func (m *Machine) approve() {
	if m.state == StatePaymentApproved {
		return
	}
	if !CanTransition(m.state, StatePaymentApproved) {
		return
	}

	if m.method.IsOfflineCapable() {
		m.cart.Backup()
	}
	m.redeemedCoupons = m.resolveRedeemedCoupons()
	m.cart.Invalidate()
	m.codes = nil
	m.setState(StatePaymentApproved, false)

	if m.profile != nil {
		ctx := context.WithoutCancel(m.sessionCtx)
		go m.profile.RefreshProfile(ctx)
	}
}

func (m *Machine) resolveRedeemedCoupons() []Coupon {
	if m.signedInfo == nil {
		return nil
	}
	catalog := m.project.Coupons()
	var redeemed []Coupon
	for _, item := range m.signedInfo.Info.LineItems {
		if item.Type != LineItemTypeCoupon || !item.Redeemed {
			continue
		}
		for _, c := range catalog {
			if c.ID == item.CouponID {
				redeemed = append(redeemed, c)
				break
			}
		}
	}
	return redeemed
}

// Abort aborts the payment process. Approved and denied checkouts are only
// reset, as is a checkout without a process.
func (m *Machine) Abort(ctx context.Context, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	process := m.process
	m.cancelCalls(ctx)

	if process == nil || m.state.isIrreversible() {
		m.clearSession()
		m.setState(StateNone, false)
		return
	}

	gen, sctx := m.generation, m.sessionCtx
	go func() {
		err := m.backend.Abort(sctx, process)

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.current(gen) {
			return
		}
		if err != nil {
			m.logger.Warn("failed to abort payment process", slog.String("error", err.Error()))
			if m.state == StatePaymentProcessing || m.state == StatePaymentApproved {
				m.schedulePoll()
				return
			}
			m.setState(StatePaymentAbortFailed, false)
			return
		}

		m.clearSession()
		if isError {
			m.setState(StatePaymentProcessingError, false)
		} else {
			m.setState(StatePaymentAborted, false)
		}
	}()
}

// AbortSilently aborts the payment process in the background and resets the
// session to NONE without notifying listeners.
func (m *Machine) AbortSilently(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	process := m.process
	irreversible := m.state.isIrreversible()
	m.cancelCalls(ctx)
	if process != nil && !irreversible {
		m.abortInBackground(process)
	}
	m.clearSession()
	m.state = StateNone
}

func (m *Machine) abortInBackground(process *CheckoutProcess) {
	ctx := context.WithoutCancel(m.sessionCtx)
	go func() {
		if err := m.backend.Abort(ctx, process); err != nil {
			m.logger.Warn("background abort failed", slog.String("error", err.Error()))
		}
	}()
}

// Reset discards the current session and returns to NONE.
func (m *Machine) Reset(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls(ctx)
	m.clearSession()
	m.setState(StateNone, false)
}

// AuthorizePayment sends a payment authorization token for the current
// process. A failed request is resent on the next evaluated response.
func (m *Machine) AuthorizePayment(ctx context.Context, encryptedOrigin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.process == nil || m.process.Links.AuthorizePayment == nil {
		return apperrors.InvalidState("authorize payment", string(m.state))
	}
	m.authRequest = &AuthorizePaymentRequest{EncryptedOrigin: encryptedOrigin}
	m.authFailed = false
	m.sendAuthorization()
	return nil
}

func (m *Machine) sendAuthorization() {
	if m.process == nil || m.authRequest == nil {
		return
	}
	process, req := m.process, *m.authRequest
	gen, sctx := m.generation, m.sessionCtx

	go func() {
		err := m.backend.AuthorizePayment(sctx, process, req)
		if err == nil {
			return
		}
		m.logger.Warn("payment authorization failed", slog.String("error", err.Error()))

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.current(gen) {
			m.authFailed = true
		}
	}()
}

// ApproveOfflineMethod lets the shopper confirm an offline-capable payment.
func (m *Machine) ApproveOfflineMethod(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.method.IsOfflineCapable() || !CanTransition(m.state, StatePaymentApproved) {
		return apperrors.InvalidState("approve offline method", string(m.state))
	}
	m.approve()
	return nil
}

// AddCode attaches a manual code to the session.
func (m *Machine) AddCode(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code)
}

// RemoveCode removes the first occurrence of code.
func (m *Machine) RemoveCode(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.Index(m.codes, code)
	if i < 0 {
		return false
	}
	m.codes = slices.Delete(m.codes, i, i+1)
	return true
}

// Codes returns the manual codes attached to the session.
func (m *Machine) Codes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.codes)
}

// SetClientAcceptedPaymentMethods restricts the methods offered by the next
// Start. An empty list accepts every method.
func (m *Machine) SetClientAcceptedPaymentMethods(methods []PaymentMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptedMethods = slices.Clone(methods)
}

// Snapshot is a read-only view of a Machine.
type Snapshot struct {
	State                   State               `json:"state"`
	PaymentMethod           PaymentMethod       `json:"paymentMethod,omitempty"`
	OrderID                 string              `json:"orderId,omitempty"`
	RoutingTarget           RoutingTarget       `json:"routingTarget,omitempty"`
	PriceToPay              int64               `json:"priceToPay"`
	VerifiedOnlinePrice     int64               `json:"verifiedOnlinePrice"`
	InvalidProducts         []InvalidProduct    `json:"invalidProducts,omitempty"`
	AvailablePaymentMethods []PaymentMethodInfo `json:"availablePaymentMethods,omitempty"`
	Fulfillments            []Fulfillment       `json:"fulfillments,omitempty"`
	QRCodePOSContent        string              `json:"qrCodePosContent,omitempty"`
	ExitToken               *ExitToken          `json:"exitToken,omitempty"`
	RedeemedCoupons         []Coupon            `json:"redeemedCoupons,omitempty"`
	Codes                   []string            `json:"codes,omitempty"`
}

// Snapshot returns the observable outputs of the current session.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:               m.state,
		PaymentMethod:       m.method,
		PriceToPay:          m.priceToPay,
		VerifiedOnlinePrice: m.verifiedOnlinePrice,
		InvalidProducts:     slices.Clone(m.invalidProducts),
		RedeemedCoupons:     slices.Clone(m.redeemedCoupons),
		Codes:               slices.Clone(m.codes),
		Fulfillments:        m.fulfillments(),
	}
	if m.signedInfo != nil {
		s.AvailablePaymentMethods = slices.Clone(m.signedInfo.AvailableMethods)
	}
	if p := m.process; p != nil {
		s.OrderID = p.OrderID
		s.RoutingTarget = p.RoutingTarget
		if p.PaymentInformation != nil {
			s.QRCodePOSContent = p.PaymentInformation.QRCodeContent
		}
		if p.ExitToken != nil {
			token := *p.ExitToken
			s.ExitToken = &token
		}
	}
	return s
}

// RawProcess returns the last payment process response as received.
func (m *Machine) RawProcess() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.process == nil {
		return nil
	}
	return slices.Clone(m.process.Raw)
}

// Close cancels every outstanding call and stops notification delivery.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cancelCalls(context.Background())
	m.notifier.close()
}

func (m *Machine) fulfillments() []Fulfillment {
	if m.process == nil {
		return nil
	}
	return slices.Clone(m.process.Fulfillments)
}

// current reports whether gen is still the live generation. Callers hold mu.
func (m *Machine) current(gen uint64) bool {
	if gen != m.generation {
		staleResultsTotal.Inc()
		return false
	}
	return true
}

// cancelCalls invalidates every in-flight call and the poll timer, then
// opens a fresh session context derived from ctx.
func (m *Machine) cancelCalls(ctx context.Context) {
	m.resetSession(ctx)
	m.backend.Cancel()
}

// resetSession drops the poll timer and the session context without
// touching the backend.
func (m *Machine) resetSession(ctx context.Context) {
	m.generation++
	if m.pollTimer != nil {
		m.pollTimer.Stop()
		m.pollTimer = nil
	}
	m.sessionCancel()

	parent := context.Background()
	if ctx != nil {
		parent = context.WithoutCancel(ctx)
	}
	m.sessionCtx, m.sessionCancel = context.WithCancel(parent)
}

func (m *Machine) clearSession() {
	m.signedInfo = nil
	m.process = nil
	m.method = ""
	m.priceToPay = 0
	m.verifiedOnlinePrice = 0
	m.invalidProducts = nil
	m.redeemedCoupons = nil
	m.authRequest = nil
	m.authFailed = false
	m.fulfillmentDone = false
}

func (m *Machine) setState(to State, force bool) {
	from := m.state
	if from == to && !force {
		return
	}
	if !CanTransition(from, to) {
		rejectedTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		m.logger.Warn("checkout transition rejected",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return
	}
	m.state = to
	if from != to {
		stateTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		m.logger.Info("checkout state changed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	}
	m.notifier.state(to)
}
