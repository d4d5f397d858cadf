package service

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/utafrali/selfscan-checkout/internal/checkout"
)

// sessionCart is the cart snapshot a shopping context was created with.
type sessionCart struct {
	mu          sync.Mutex
	cart        checkout.BackendCart
	total       int64
	backedUp    bool
	invalidated bool
}

var _ checkout.Cart = (*sessionCart)(nil)

func newSessionCart(cart checkout.BackendCart, total int64) *sessionCart {
	return &sessionCart{cart: cart, total: total}
}

func (c *sessionCart) BackendCart() checkout.BackendCart {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.cart
	out.Items = slices.Clone(c.cart.Items)
	out.RequiredInformation = slices.Clone(c.cart.RequiredInformation)
	return out
}

func (c *sessionCart) TotalPrice() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *sessionCart) Backup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backedUp = true
}

// Invalidate rotates the session id so a reused cart negotiates a new
// checkout.
func (c *sessionCart) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = true
	c.cart.SessionID = uuid.NewString()
}

func (c *sessionCart) setRequiredInformation(id, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ri := range c.cart.RequiredInformation {
		if ri.ID == id {
			c.cart.RequiredInformation[i].Value = value
			return
		}
	}
	c.cart.RequiredInformation = append(c.cart.RequiredInformation, checkout.RequiredInformation{ID: id, Value: value})
}

type cartStatus struct {
	BackedUp    bool `json:"backedUp"`
	Invalidated bool `json:"invalidated"`
}

func (c *sessionCart) status() cartStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cartStatus{BackedUp: c.backedUp, Invalidated: c.invalidated}
}

// projectView is the project configuration of a shopping context.
type projectView struct {
	id      string
	shopID  string
	methods []checkout.PaymentMethod
	coupons []checkout.Coupon
}

var _ checkout.Project = (*projectView)(nil)

func (p *projectView) ID() string                               { return p.id }
func (p *projectView) HasCheckedInShop() bool                   { return p.shopID != "" }
func (p *projectView) PaymentMethods() []checkout.PaymentMethod { return slices.Clone(p.methods) }
func (p *projectView) Coupons() []checkout.Coupon               { return slices.Clone(p.coupons) }
