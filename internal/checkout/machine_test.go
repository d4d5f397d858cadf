package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/selfscan-checkout/pkg/errors"
)

// --- Mock Backend ---

type mockBackend struct {
	mock.Mock

	countMu sync.Mutex
	counts  map[string]int
}

func newMockBackend() *mockBackend {
	b := &mockBackend{counts: make(map[string]int)}
	b.On("Cancel").Maybe()
	return b
}

func (b *mockBackend) record(name string) {
	b.countMu.Lock()
	defer b.countMu.Unlock()
	b.counts[name]++
}

func (b *mockBackend) count(name string) int {
	b.countMu.Lock()
	defer b.countMu.Unlock()
	return b.counts[name]
}

func (b *mockBackend) CreateCheckoutInfo(ctx context.Context, cart BackendCart, accepted []PaymentMethod, timeout time.Duration) (*SignedCheckoutInfo, error) {
	b.record("CreateCheckoutInfo")
	args := b.Called(ctx, cart, accepted, timeout)
	info, _ := args.Get(0).(*SignedCheckoutInfo)
	return info, args.Error(1)
}

func (b *mockBackend) CreatePaymentProcess(ctx context.Context, req PaymentProcessRequest) (*CheckoutProcess, error) {
	b.record("CreatePaymentProcess")
	args := b.Called(ctx, req)
	p, _ := args.Get(0).(*CheckoutProcess)
	return p, args.Error(1)
}

func (b *mockBackend) UpdatePaymentProcess(ctx context.Context, url string) (*CheckoutProcess, error) {
	b.record("UpdatePaymentProcess")
	args := b.Called(ctx, url)
	p, _ := args.Get(0).(*CheckoutProcess)
	return p, args.Error(1)
}

func (b *mockBackend) Abort(ctx context.Context, process *CheckoutProcess) error {
	b.record("Abort")
	args := b.Called(ctx, process)
	return args.Error(0)
}

func (b *mockBackend) AuthorizePayment(ctx context.Context, process *CheckoutProcess, req AuthorizePaymentRequest) error {
	b.record("AuthorizePayment")
	args := b.Called(ctx, process, req)
	return args.Error(0)
}

func (b *mockBackend) Cancel() {
	b.record("Cancel")
	b.Called()
}

func (b *mockBackend) onCheckoutInfo(info *SignedCheckoutInfo, err error) *mock.Call {
	return b.On("CreateCheckoutInfo", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(info, err)
}

func (b *mockBackend) onCreateProcess(p *CheckoutProcess, err error) *mock.Call {
	return b.On("CreatePaymentProcess", mock.Anything, mock.Anything).Return(p, err)
}

func (b *mockBackend) onPoll(p *CheckoutProcess, err error) *mock.Call {
	return b.On("UpdatePaymentProcess", mock.Anything, mock.Anything).Return(p, err)
}

// --- Fakes ---

type fakeCart struct {
	mu           sync.Mutex
	cart         BackendCart
	total        int64
	backups      int
	invalidation int
}

func (c *fakeCart) BackendCart() BackendCart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cart
}

func (c *fakeCart) TotalPrice() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *fakeCart) Backup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backups++
}

func (c *fakeCart) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidation++
}

func (c *fakeCart) counts() (backups, invalidations int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backups, c.invalidation
}

type fakeProject struct {
	checkedIn bool
	methods   []PaymentMethod
	coupons   []Coupon
}

func (p *fakeProject) ID() string                      { return "demo" }
func (p *fakeProject) HasCheckedInShop() bool          { return p.checkedIn }
func (p *fakeProject) PaymentMethods() []PaymentMethod { return p.methods }
func (p *fakeProject) Coupons() []Coupon               { return p.coupons }

type fakeRetry struct {
	mu      sync.Mutex
	carts   []BackendCart
	methods []PaymentMethod
}

func (r *fakeRetry) Enqueue(_ context.Context, cart BackendCart, method PaymentMethod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carts = append(r.carts, cart)
	r.methods = append(r.methods, method)
	return nil
}

func (r *fakeRetry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.carts)
}

type fakeProfile struct {
	mu    sync.Mutex
	calls int
}

func (p *fakeProfile) RefreshProfile(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
}

func (p *fakeProfile) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recorder struct {
	mu           sync.Mutex
	states       []State
	fulfillments []FulfillmentEvent
}

func (r *recorder) onState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) onFulfillment(ev FulfillmentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fulfillments = append(r.fulfillments, ev)
}

func (r *recorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) events() []FulfillmentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FulfillmentEvent(nil), r.fulfillments...)
}

// --- Test Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	machine *Machine
	backend *mockBackend
	cart    *fakeCart
	project *fakeProject
	retry   *fakeRetry
	profile *fakeProfile
	rec     *recorder
}

func newHarness(t *testing.T, project *fakeProject) *harness {
	t.Helper()
	if project == nil {
		project = &fakeProject{checkedIn: true}
	}
	h := &harness{
		backend: newMockBackend(),
		cart: &fakeCart{
			cart:  BackendCart{SessionID: "session-1", ShopID: "shop-1", Items: []BackendCartItem{{ID: "1", SKU: "4001", Amount: 2}}},
			total: 1299,
		},
		project: project,
		retry:   &fakeRetry{},
		profile: &fakeProfile{},
		rec:     &recorder{},
	}
	h.machine = New(h.backend, h.cart, h.project, newTestLogger(), Options{
		PollInterval: 10 * time.Millisecond,
		Retry:        h.retry,
		Profile:      h.profile,
	})
	h.machine.SubscribeState(h.rec.onState)
	h.machine.SubscribeFulfillment(h.rec.onFulfillment)
	t.Cleanup(h.machine.Close)
	return h
}

func (h *harness) waitForState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.machine.State() == want }, 2*time.Second, 5*time.Millisecond,
		"machine never reached %s, last state %s", want, h.machine.State())
}

func (h *harness) waitForNotified(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range h.rec.seen() {
			if s == want {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "listener never saw %s", want)
}

func signedInfo(methods ...PaymentMethodInfo) *SignedCheckoutInfo {
	info := CheckoutInfo{Price: Price{Price: 1199}, PaymentMethods: methods}
	raw, _ := json.Marshal(info)
	return &SignedCheckoutInfo{
		RawInfo:          raw,
		Signature:        "sig",
		Links:            CheckoutInfoLinks{CheckoutProcess: Link{Href: "/demo/checkout/process"}},
		Info:             info,
		AvailableMethods: methods,
	}
}

func twoMethods() *SignedCheckoutInfo {
	return signedInfo(
		PaymentMethodInfo{ID: MethodDeDirectDebit, AcceptedOriginTypes: []string{"iban"}},
		PaymentMethodInfo{ID: MethodQRCodePOS},
	)
}

// startAndPay drives the machine to WAIT_FOR_APPROVAL through an explicit
// method selection.
func (h *harness) startAndPay(t *testing.T, method PaymentMethod) {
	t.Helper()
	h.machine.Start(context.Background(), time.Second, false)
	h.waitForState(t, StateRequestPaymentMethod)
	require.NoError(t, h.machine.Pay(context.Background(), method, nil))
}

// --- Start ---

func TestStart_NoShopSkipsBackend(t *testing.T) {
	h := newHarness(t, &fakeProject{checkedIn: false})

	h.machine.Start(context.Background(), time.Second, true)

	assert.Equal(t, StateNoShop, h.machine.State())
	h.waitForNotified(t, StateNoShop)
	h.backend.AssertNotCalled(t, "CreateCheckoutInfo", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, h.backend.count("Cancel"))
}

func TestStart_NoShopAfterSessionDropsItWithoutBackend(t *testing.T) {
	project := &fakeProject{checkedIn: true}
	h := newHarness(t, project)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.machine.Start(context.Background(), time.Second, false)
	h.waitForState(t, StateRequestPaymentMethod)
	cancels := h.backend.count("Cancel")

	project.checkedIn = false
	h.machine.Start(context.Background(), time.Second, false)

	assert.Equal(t, StateNoShop, h.machine.State())
	assert.Empty(t, h.machine.Snapshot().AvailablePaymentMethods)
	assert.Equal(t, cancels, h.backend.count("Cancel"))
}

func TestStart_SingleMethodWithoutCredentialsPaysImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(signedInfo(PaymentMethodInfo{ID: MethodQRCodePOS}), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckPending), nil).Maybe()

	h.machine.Start(context.Background(), time.Second, false)

	h.waitForNotified(t, StateWaitForApproval)
	assert.NotContains(t, h.rec.seen(), StateRequestPaymentMethod)
	assert.Equal(t, []State{StateHandshaking, StateVerifyingPaymentMethod, StateWaitForApproval}, h.rec.seen()[:3])

	h.backend.AssertCalled(t, "CreatePaymentProcess", mock.Anything, mock.MatchedBy(func(req PaymentProcessRequest) bool {
		return req.Method == MethodQRCodePOS && req.SessionID == "session-1" && !req.Offline && req.Info != nil
	}))
	snap := h.machine.Snapshot()
	assert.Equal(t, int64(1199), snap.PriceToPay)
	assert.Equal(t, int64(1199), snap.VerifiedOnlinePrice)
}

func TestStart_SingleMethodWithCredentialsRequestsSelection(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(signedInfo(PaymentMethodInfo{ID: MethodDeDirectDebit, AcceptedOriginTypes: []string{"iban"}}), nil)

	h.machine.Start(context.Background(), time.Second, false)

	h.waitForState(t, StateRequestPaymentMethod)
	h.backend.AssertNotCalled(t, "CreatePaymentProcess", mock.Anything, mock.Anything)
	assert.Len(t, h.machine.Snapshot().AvailablePaymentMethods, 1)
}

func TestStart_RequiresTaxation(t *testing.T) {
	h := newHarness(t, nil)
	info := signedInfo(PaymentMethodInfo{ID: MethodQRCodePOS})
	info.Info.RequiredInformation = []RequiredInformation{{ID: RequiredTaxation}}
	h.backend.onCheckoutInfo(info, nil)

	h.machine.Start(context.Background(), time.Second, false)

	h.waitForState(t, StateRequestTaxation)
	h.backend.AssertNotCalled(t, "CreatePaymentProcess", mock.Anything, mock.Anything)
}

func TestStart_PassesAcceptedMethods(t *testing.T) {
	h := newHarness(t, nil)
	accepted := []PaymentMethod{MethodQRCodePOS}
	h.backend.On("CreateCheckoutInfo", mock.Anything, mock.Anything, accepted, 3*time.Second).Return(twoMethods(), nil)

	h.machine.SetClientAcceptedPaymentMethods(accepted)
	h.machine.Start(context.Background(), 3*time.Second, false)

	h.waitForState(t, StateRequestPaymentMethod)
	h.backend.AssertExpectations(t)
}

func TestStart_BackendErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want State
	}{
		{"invalid products", &InvalidProductsError{Products: []InvalidProduct{{SKU: "4001"}}}, StateInvalidProducts},
		{"no payment method", ErrNoPaymentMethodAvailable, StateNoPaymentMethodAvailable},
		{"shop rejected", ErrNoShop, StateNoShop},
		{"invalid deposit voucher", ErrInvalidDepositVoucher, StateConnectionError},
		{"unknown", ErrUnknown, StateConnectionError},
		{"connection without fallback", ErrConnection, StateConnectionError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.backend.onCheckoutInfo(nil, tt.err)

			h.machine.Start(context.Background(), time.Second, true)

			h.waitForState(t, tt.want)
			assert.Equal(t, 0, h.retry.len())
		})
	}
}

func TestStart_InvalidProductsAreExposed(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(nil, &InvalidProductsError{Products: []InvalidProduct{{SKU: "4001", Name: "Beer"}}})

	h.machine.Start(context.Background(), time.Second, false)

	h.waitForState(t, StateInvalidProducts)
	assert.Equal(t, []InvalidProduct{{SKU: "4001", Name: "Beer"}}, h.machine.Snapshot().InvalidProducts)
}

func TestStart_OfflineFallback(t *testing.T) {
	h := newHarness(t, &fakeProject{checkedIn: true, methods: []PaymentMethod{MethodDeDirectDebit, MethodQRCodeOffline}})
	h.backend.onCheckoutInfo(nil, ErrConnection)
	h.machine.AddCode("1234")

	h.machine.Start(context.Background(), time.Second, true)

	h.waitForState(t, StateWaitForApproval)
	require.Eventually(t, func() bool { return h.retry.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, MethodQRCodeOffline, h.retry.methods[0])
	assert.Equal(t, "session-1", h.retry.carts[0].SessionID)

	snap := h.machine.Snapshot()
	assert.Equal(t, MethodQRCodeOffline, snap.PaymentMethod)
	assert.Equal(t, int64(1299), snap.PriceToPay)

	require.NoError(t, h.machine.ApproveOfflineMethod(context.Background()))
	assert.Equal(t, StatePaymentApproved, h.machine.State())

	backups, invalidations := h.cart.counts()
	assert.Equal(t, 1, backups)
	assert.Equal(t, 1, invalidations)
	assert.Empty(t, h.machine.Codes())
	require.Eventually(t, func() bool { return h.profile.count() == 1 }, time.Second, 5*time.Millisecond)
	h.backend.AssertNotCalled(t, "UpdatePaymentProcess", mock.Anything, mock.Anything)
}

func TestStart_FallbackNotAllowed(t *testing.T) {
	h := newHarness(t, &fakeProject{checkedIn: true, methods: []PaymentMethod{MethodQRCodeOffline}})
	h.backend.onCheckoutInfo(nil, ErrConnection)

	h.machine.Start(context.Background(), time.Second, false)

	h.waitForState(t, StateConnectionError)
	assert.Equal(t, 0, h.retry.len())
}

func TestStart_DiscardsPreviousSession(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	h.backend.On("CreateCheckoutInfo", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(nil, ErrNoShop).Once()
	h.backend.onCheckoutInfo(twoMethods(), nil)

	h.machine.Start(context.Background(), time.Second, false)
	<-started
	h.machine.Start(context.Background(), time.Second, false)
	h.waitForState(t, StateRequestPaymentMethod)

	close(release)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateRequestPaymentMethod, h.machine.State())
	assert.NotContains(t, h.rec.seen(), StateNoShop)
}

// --- Pay ---

func TestPay_RequiresCheckoutInfo(t *testing.T) {
	h := newHarness(t, nil)

	err := h.machine.Pay(context.Background(), MethodQRCodePOS, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
	assert.Equal(t, StateNone, h.machine.State())
}

func TestPay_TransportFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(nil, ErrConnection)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StateConnectionError)
	h.backend.AssertNotCalled(t, "UpdatePaymentProcess", mock.Anything, mock.Anything)
}

func TestPay_ForbiddenFallsBackToUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(nil, &ProcessForbiddenError{URL: processURL})
	h.backend.On("UpdatePaymentProcess", mock.Anything, processURL).Return(newProcess(CheckPending, withRouting(RoutingSupervisor)), nil)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StateWaitForSupervisor)
	assert.NotContains(t, h.rec.seen(), StateConnectionError)
}

func TestPay_RoutesAndExposesProcess(t *testing.T) {
	h := newHarness(t, nil)
	p := newProcess(CheckPending, withRouting(RoutingGatekeeper), func(p *CheckoutProcess) {
		p.OrderID = "order-1"
		p.PaymentInformation = &PaymentInformation{QRCodeContent: "QR-CONTENT"}
		p.Raw = json.RawMessage(`{"orderID":"order-1"}`)
	})
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(p, nil)
	h.backend.onPoll(p, nil).Maybe()

	h.startAndPay(t, MethodGatekeeperTerminal)

	h.waitForState(t, StateWaitForGatekeeper)
	snap := h.machine.Snapshot()
	assert.Equal(t, "order-1", snap.OrderID)
	assert.Equal(t, RoutingGatekeeper, snap.RoutingTarget)
	assert.Equal(t, "QR-CONTENT", snap.QRCodePOSContent)
	assert.JSONEq(t, `{"orderID":"order-1"}`, string(h.machine.RawProcess()))
}

func TestPay_OfflineOnlyMethodIsNotPolled(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)

	h.startAndPay(t, MethodQRCodeOffline)

	h.waitForState(t, StateWaitForApproval)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.backend.count("UpdatePaymentProcess"))
}

// --- Response evaluation through polling ---

func TestPoll_EmptyExitTokenWaitsForNextPoll(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckSuccessful, withExitToken("")), nil)
	h.backend.onPoll(newProcess(CheckSuccessful, withExitToken("")), nil).Once()
	h.backend.onPoll(newProcess(CheckSuccessful, withExitToken("")), nil).Once()
	h.backend.onPoll(newProcess(CheckSuccessful, withExitToken("EXIT-1")), nil)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StatePaymentApproved)
	assert.GreaterOrEqual(t, h.backend.count("UpdatePaymentProcess"), 3)
	assert.Equal(t, []State{
		StateHandshaking,
		StateRequestPaymentMethod,
		StateVerifyingPaymentMethod,
		StateWaitForApproval,
		StatePaymentApproved,
	}, waitForStates(t, h, 5))
	assert.Equal(t, "EXIT-1", h.machine.Snapshot().ExitToken.Value)

	backups, invalidations := h.cart.counts()
	assert.Equal(t, 0, backups)
	assert.Equal(t, 1, invalidations)
}

func TestPoll_AgeCheckPendingAbortsSilentlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ageCheck := withChecks(Check{Type: CheckTypeMinAge, PerformedBy: PerformedByApp, State: CheckPending, RequiredAge: 18})
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending, ageCheck), nil)
	h.backend.onPoll(newProcess(CheckPending, ageCheck), nil)
	h.backend.On("Abort", mock.Anything, mock.Anything).Return(nil)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StateRequestVerifyAge)
	require.Eventually(t, func() bool { return h.backend.count("Abort") == 1 }, time.Second, 5*time.Millisecond)
	polls := h.backend.count("UpdatePaymentProcess")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, h.backend.count("Abort"))
	assert.Equal(t, polls, h.backend.count("UpdatePaymentProcess"))
	assert.Equal(t, StateRequestVerifyAge, h.machine.State())
}

func TestPoll_AgeCheckFailedDenies(t *testing.T) {
	h := newHarness(t, nil)
	ageCheck := withChecks(Check{Type: CheckTypeMinAge, PerformedBy: PerformedByApp, State: CheckFailed})
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckPending, ageCheck), nil)
	h.backend.On("Abort", mock.Anything, mock.Anything).Return(nil)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StateDeniedTooYoung)
	require.Eventually(t, func() bool { return h.backend.count("Abort") == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoll_FulfillmentDoneFiresOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckSuccessful, withExitToken("EXIT"), withFulfillments(FulfillmentOpen, FulfillmentProcessed)), nil).Once()
	h.backend.onPoll(newProcess(CheckSuccessful, withExitToken("EXIT"), withFulfillments(FulfillmentProcessed, FulfillmentProcessed)), nil)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StatePaymentApproved)
	require.Eventually(t, func() bool {
		for _, ev := range h.rec.events() {
			if ev.Done {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	events := h.rec.events()
	require.GreaterOrEqual(t, len(events), 2)
	assert.False(t, events[0].Done)
	assert.Len(t, events[0].Fulfillments, 2)
	done := 0
	for _, ev := range events {
		if ev.Done {
			done++
		}
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, h.backend.count("UpdatePaymentProcess"))
}

func TestPoll_FailedFulfillmentWhilePending(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckPending, withFulfillments(FulfillmentFailed)), nil)
	h.backend.On("Abort", mock.Anything, mock.Anything).Return(nil)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StatePaymentProcessing)
	require.Eventually(t, func() bool { return h.backend.count("Abort") >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		events := h.rec.events()
		return len(events) == 1 && events[0].Done
	}, time.Second, 5*time.Millisecond)
}

func TestPoll_StopsInTerminalState(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckFailed), nil)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StateDeniedByPaymentProvider)
	polls := h.backend.count("UpdatePaymentProcess")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, polls, h.backend.count("UpdatePaymentProcess"))
}

func TestPoll_ErrorKeepsPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(nil, ErrConnection).Once()
	h.backend.onPoll(newProcess(CheckProcessing), nil)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StatePaymentProcessing)
	assert.NotContains(t, h.rec.seen(), StateConnectionError)
}

func TestPoll_RedeemedCouponsResolvedOnApproval(t *testing.T) {
	h := newHarness(t, &fakeProject{checkedIn: true, coupons: []Coupon{{ID: "c1", Name: "10% off"}, {ID: "c2", Name: "Free coffee"}}})
	info := twoMethods()
	info.Info.LineItems = []LineItem{
		{ID: "1", Type: "default", SKU: "4001"},
		{ID: "2", Type: LineItemTypeCoupon, CouponID: "c2", Redeemed: true},
		{ID: "3", Type: LineItemTypeCoupon, CouponID: "c1"},
	}
	h.backend.onCheckoutInfo(info, nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckSuccessful, withExitToken("EXIT")), nil)

	h.startAndPay(t, MethodQRCodePOS)

	h.waitForState(t, StatePaymentApproved)
	assert.Equal(t, []Coupon{{ID: "c2", Name: "Free coffee"}}, h.machine.Snapshot().RedeemedCoupons)
}

// --- Authorization ---

func TestAuthorizePayment_RetriesStoredRequestAfterFailure(t *testing.T) {
	h := newHarness(t, nil)
	p := newProcess(CheckPending, withAuthorizeLink())
	req := AuthorizePaymentRequest{EncryptedOrigin: "origin"}
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(p, nil)
	h.backend.onPoll(p, nil)
	h.backend.On("AuthorizePayment", mock.Anything, mock.Anything, req).Return(errors.New("boom")).Once()
	h.backend.On("AuthorizePayment", mock.Anything, mock.Anything, req).Return(nil)

	h.startAndPay(t, MethodGooglePay)
	h.waitForState(t, StateRequestPaymentAuthorizationToken)

	require.NoError(t, h.machine.AuthorizePayment(context.Background(), "origin"))

	require.Eventually(t, func() bool { return h.backend.count("AuthorizePayment") == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, h.backend.count("AuthorizePayment"))
	assert.Equal(t, StateRequestPaymentAuthorizationToken, h.machine.State())

	count := 0
	for _, s := range h.rec.seen() {
		if s == StateRequestPaymentAuthorizationToken {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestAuthorizePayment_WithoutProcess(t *testing.T) {
	h := newHarness(t, nil)

	err := h.machine.AuthorizePayment(context.Background(), "origin")

	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
}

// --- Abort ---

func TestAbort_IrreversibleStateResetsWithoutBackend(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckSuccessful), nil)

	h.startAndPay(t, MethodQRCodePOS)
	h.waitForState(t, StatePaymentApproved)

	h.machine.Abort(context.Background(), false)

	assert.Equal(t, StateNone, h.machine.State())
	h.waitForNotified(t, StateNone)
	h.backend.AssertNotCalled(t, "Abort", mock.Anything, mock.Anything)
}

func TestAbort_DeniedStateResetsWithoutBackend(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckPending, withChecks(Check{Type: CheckTypeSupervisorApproval, PerformedBy: PerformedBySupervisor, State: CheckFailed})), nil)

	h.startAndPay(t, MethodQRCodePOS)
	h.waitForState(t, StateDeniedBySupervisor)

	h.machine.Abort(context.Background(), true)

	assert.Equal(t, StateNone, h.machine.State())
	h.backend.AssertNotCalled(t, "Abort", mock.Anything, mock.Anything)
}

func TestAbort_WithoutProcessResets(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.machine.Start(context.Background(), time.Second, false)
	h.waitForState(t, StateRequestPaymentMethod)

	h.machine.Abort(context.Background(), false)

	assert.Equal(t, StateNone, h.machine.State())
	h.backend.AssertNotCalled(t, "Abort", mock.Anything, mock.Anything)
}

func TestAbort_Success(t *testing.T) {
	tests := []struct {
		name    string
		isError bool
		want    State
	}{
		{"user abort", false, StatePaymentAborted},
		{"error abort", true, StatePaymentProcessingError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.backend.onCheckoutInfo(twoMethods(), nil)
			h.backend.onCreateProcess(newProcess(CheckPending, withRouting(RoutingSupervisor)), nil)
			h.backend.onPoll(newProcess(CheckPending), nil).Maybe()
			h.backend.On("Abort", mock.Anything, mock.Anything).Return(nil)

			h.startAndPay(t, MethodQRCodePOS)
			h.waitForState(t, StateWaitForSupervisor)

			h.machine.Abort(context.Background(), tt.isError)

			h.waitForState(t, tt.want)
			assert.Equal(t, PaymentMethod(""), h.machine.Snapshot().PaymentMethod)
			polls := h.backend.count("UpdatePaymentProcess")
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, polls, h.backend.count("UpdatePaymentProcess"))
		})
	}
}

func TestAbort_FailureIsRecoverable(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckPending), nil).Maybe()
	h.backend.On("Abort", mock.Anything, mock.Anything).Return(ErrConnection).Once()
	h.backend.On("Abort", mock.Anything, mock.Anything).Return(nil)

	h.startAndPay(t, MethodQRCodePOS)
	h.waitForState(t, StateWaitForApproval)

	h.machine.Abort(context.Background(), false)
	h.waitForState(t, StatePaymentAbortFailed)

	h.machine.Abort(context.Background(), false)
	h.waitForState(t, StatePaymentAborted)
}

func TestAbort_FailureWhileProcessingKeepsPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckProcessing), nil)
	h.backend.On("Abort", mock.Anything, mock.Anything).Return(ErrConnection)

	h.startAndPay(t, MethodQRCodePOS)
	h.waitForState(t, StatePaymentProcessing)

	h.machine.Abort(context.Background(), false)
	require.Eventually(t, func() bool { return h.backend.count("Abort") == 1 }, time.Second, 5*time.Millisecond)
	polls := h.backend.count("UpdatePaymentProcess")

	require.Eventually(t, func() bool { return h.backend.count("UpdatePaymentProcess") > polls }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatePaymentProcessing, h.machine.State())
	assert.NotContains(t, h.rec.seen(), StatePaymentAbortFailed)
}

func TestAbort_LatePollResponseIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.On("UpdatePaymentProcess", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(newProcess(CheckSuccessful, withExitToken("EXIT")), nil).Once()
	h.backend.On("Abort", mock.Anything, mock.Anything).Return(nil)

	h.startAndPay(t, MethodQRCodePOS)
	<-started

	h.machine.Abort(context.Background(), false)
	h.waitForState(t, StatePaymentAborted)

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatePaymentAborted, h.machine.State())
	assert.NotContains(t, h.rec.seen(), StatePaymentApproved)
	assert.Equal(t, 1, h.backend.count("UpdatePaymentProcess"))
}

func TestAbortSilently(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckPending), nil).Maybe()
	h.backend.On("Abort", mock.Anything, mock.Anything).Return(nil)

	h.startAndPay(t, MethodQRCodePOS)
	h.waitForState(t, StateWaitForApproval)

	h.machine.AbortSilently(context.Background())

	assert.Equal(t, StateNone, h.machine.State())
	require.Eventually(t, func() bool { return h.backend.count("Abort") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.NotContains(t, h.rec.seen(), StateNone)
	assert.Empty(t, h.machine.Snapshot().AvailablePaymentMethods)
}

// --- Offline approval, codes, subscriptions ---

func TestApproveOfflineMethod_RejectsOnlineMethod(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckPending), nil).Maybe()

	h.startAndPay(t, MethodQRCodePOS)
	h.waitForState(t, StateWaitForApproval)

	err := h.machine.ApproveOfflineMethod(context.Background())

	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
	assert.Equal(t, StateWaitForApproval, h.machine.State())
}

func TestApproveOfflineMethod_CustomerCard(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.onCheckoutInfo(twoMethods(), nil)
	h.backend.onCreateProcess(newProcess(CheckPending), nil)
	h.backend.onPoll(newProcess(CheckPending), nil).Maybe()

	h.startAndPay(t, MethodCustomerCardPOS)
	h.waitForState(t, StateWaitForApproval)

	require.NoError(t, h.machine.ApproveOfflineMethod(context.Background()))

	assert.Equal(t, StatePaymentApproved, h.machine.State())
	backups, _ := h.cart.counts()
	assert.Equal(t, 1, backups)
}

func TestCodes(t *testing.T) {
	h := newHarness(t, nil)

	h.machine.AddCode("a")
	h.machine.AddCode("b")
	h.machine.AddCode("a")

	assert.True(t, h.machine.RemoveCode("a"))
	assert.False(t, h.machine.RemoveCode("zzz"))
	assert.Equal(t, []string{"b", "a"}, h.machine.Codes())
}

func TestSubscription_Unsubscribe(t *testing.T) {
	h := newHarness(t, &fakeProject{checkedIn: false})
	other := &recorder{}
	sub := h.machine.SubscribeState(other.onState)

	h.machine.Start(context.Background(), time.Second, false)
	h.waitForNotified(t, StateNoShop)
	require.Eventually(t, func() bool { return len(other.seen()) == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	h.machine.Reset(context.Background())

	h.waitForNotified(t, StateNone)
	assert.Equal(t, []State{StateNoShop}, other.seen())
}

func TestSubscription_ListenerPanicDoesNotStopDelivery(t *testing.T) {
	h := newHarness(t, &fakeProject{checkedIn: false})
	h.machine.SubscribeState(func(State) { panic("listener bug") })

	h.machine.Start(context.Background(), time.Second, false)
	h.machine.Reset(context.Background())

	h.waitForNotified(t, StateNone)
	assert.Equal(t, []State{StateNoShop, StateNone}, h.rec.seen())
}

func TestSameStateIsNotReannounced(t *testing.T) {
	h := newHarness(t, &fakeProject{checkedIn: false})

	h.machine.Start(context.Background(), time.Second, false)
	h.machine.Start(context.Background(), time.Second, false)
	h.machine.Reset(context.Background())

	h.waitForNotified(t, StateNone)
	assert.Equal(t, []State{StateNoShop, StateNone}, h.rec.seen())
}

func waitForStates(t *testing.T, h *harness, n int) []State {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.rec.seen()) >= n }, time.Second, 5*time.Millisecond)
	return h.rec.seen()[:n]
}

func TestApprove_RefusedTransitionLeavesMachineUntouched(t *testing.T) {
	h := newHarness(t, nil)
	rejected := rejectedTransitionsTotal.WithLabelValues(string(StateNone), string(StatePaymentApproved))
	before := testutil.ToFloat64(rejected)

	h.machine.mu.Lock()
	h.machine.approve()
	h.machine.mu.Unlock()

	assert.Equal(t, StateNone, h.machine.State())
	assert.Equal(t, before, testutil.ToFloat64(rejected))
	_, invalidations := h.cart.counts()
	assert.Zero(t, invalidations)
	assert.Empty(t, h.rec.seen())
}
