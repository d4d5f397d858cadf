package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend is the network port of the checkout. Implementations convert
// every transport failure into one of the errors below.
type Backend interface {
	// CreateCheckoutInfo negotiates a signed checkout info for cart.
	// AvailableMethods of the result is filtered to accepted.
	CreateCheckoutInfo(ctx context.Context, cart BackendCart, accepted []PaymentMethod, timeout time.Duration) (*SignedCheckoutInfo, error)
	// CreatePaymentProcess starts paying for a signed checkout info. A
	// rejection of an already existing process returns *ProcessForbiddenError.
	CreatePaymentProcess(ctx context.Context, req PaymentProcessRequest) (*CheckoutProcess, error)
	// UpdatePaymentProcess re-fetches the process behind url.
	UpdatePaymentProcess(ctx context.Context, url string) (*CheckoutProcess, error)
	Abort(ctx context.Context, process *CheckoutProcess) error
	AuthorizePayment(ctx context.Context, process *CheckoutProcess, req AuthorizePaymentRequest) error
	// Cancel cancels every outstanding call issued through this instance.
	Cancel()
}

var (
	// ErrNoShop is returned when the backend rejects the checked-in shop.
	ErrNoShop = errors.New("shop rejected")
	// ErrNoPaymentMethodAvailable is returned when no payment method is
	// eligible for the cart.
	ErrNoPaymentMethodAvailable = errors.New("no payment method available")
	// ErrInvalidDepositVoucher is returned for an unusable deposit return voucher.
	ErrInvalidDepositVoucher = errors.New("invalid deposit return voucher")
	// ErrUnknown is returned for any other rejection by the backend.
	ErrUnknown = errors.New("unknown backend error")
	// ErrConnection is returned when the backend could not be reached.
	ErrConnection = errors.New("backend connection error")
)

// InvalidProductsError is returned when the cart contains products that
// may not be sold.
type InvalidProductsError struct {
	Products []InvalidProduct
}

func (e *InvalidProductsError) Error() string {
	return fmt.Sprintf("%d invalid products in cart", len(e.Products))
}

// ProcessForbiddenError is returned when the backend refuses to create a
// payment process that already exists at URL.
type ProcessForbiddenError struct {
	URL string
}

func (e *ProcessForbiddenError) Error() string {
	return "payment process creation forbidden: " + e.URL
}

// Cart is the shopping cart the checkout reads from.
type Cart interface {
	BackendCart() BackendCart
	TotalPrice() int64
	// Backup keeps a copy of the cart so an offline purchase can be shown again.
	Backup()
	Invalidate()
}

// Project is the project configuration the checkout runs in.
type Project interface {
	ID() string
	HasCheckedInShop() bool
	PaymentMethods() []PaymentMethod
	Coupons() []Coupon
}

// RetryEnqueuer accepts carts finalized with an offline fallback method.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, cart BackendCart, method PaymentMethod) error
}

// ProfileRefresher is told to refresh the user profile after a purchase.
type ProfileRefresher interface {
	RefreshProfile(ctx context.Context)
}

// offlineFallback returns the first offline-only method of the project.
func offlineFallback(p Project) (PaymentMethod, bool) {
	for _, m := range p.PaymentMethods() {
		if m.IsOfflineOnly() {
			return m, true
		}
	}
	return "", false
}
