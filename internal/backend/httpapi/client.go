// Package httpapi implements checkout.Backend over the checkout backend's
// JSON HTTP API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/utafrali/selfscan-checkout/internal/checkout"
	"github.com/utafrali/selfscan-checkout/pkg/httpclient"
	"github.com/utafrali/selfscan-checkout/pkg/logger"
	"github.com/utafrali/selfscan-checkout/pkg/middleware"
	"github.com/utafrali/selfscan-checkout/pkg/tracing"
)

const serviceName = "checkout-backend"

// Error types the backend reports with a 409.
const (
	errTypeInvalidCartItem       = "invalid_cart_item"
	errTypeNoAvailableMethod     = "no_available_method"
	errTypeInvalidDepositVoucher = "invalid_deposit_return_voucher"
)

// Config holds the connection settings of the checkout backend.
type Config struct {
	BaseURL     string
	ClientToken string
	HealthPath  string
}

// Client talks to the checkout backend on behalf of one project. Cancel
// only affects calls issued through the same Client value; use ForProject
// to obtain independent instances sharing one transport.
type Client struct {
	doer        httpclient.Doer
	base        *url.URL
	projectID   string
	clientToken string
	healthPath  string
	logger      *slog.Logger
	tracer      trace.Tracer

	mu     sync.Mutex
	scope  context.Context
	cancel context.CancelFunc
}

var _ checkout.Backend = (*Client)(nil)

// New creates a Client that is not bound to a project yet. doer is usually
// a *httpclient.CircuitBreakerClient.
func New(doer httpclient.Doer, cfg Config, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", cfg.BaseURL)
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "health"
	}

	c := &Client{
		doer:        doer,
		base:        base,
		clientToken: cfg.ClientToken,
		healthPath:  strings.TrimLeft(healthPath, "/"),
		logger:      log,
		tracer:      tracing.Tracer("github.com/utafrali/selfscan-checkout/internal/backend/httpapi"),
	}
	c.scope, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// ForProject returns a Client for projectID with its own cancellation scope.
func (c *Client) ForProject(projectID string) *Client {
	p := &Client{
		doer:        c.doer,
		base:        c.base,
		projectID:   projectID,
		clientToken: c.clientToken,
		healthPath:  c.healthPath,
		logger:      c.logger.With(slog.String("project_id", projectID)),
		tracer:      c.tracer,
	}
	p.scope, p.cancel = context.WithCancel(context.Background())
	return p
}

// Cancel cancels every call currently in flight through c. Later calls are
// not affected.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
	c.scope, c.cancel = context.WithCancel(context.Background())
}

// Online reports whether the backend answers its health endpoint.
func (c *Client) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath(c.healthPath).String(), nil)
	if err != nil {
		return false
	}
	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}

// CreateCheckoutInfo requests a signed checkout info for cart.
func (c *Client) CreateCheckoutInfo(ctx context.Context, cart checkout.BackendCart, accepted []checkout.PaymentMethod, timeout time.Duration) (*checkout.SignedCheckoutInfo, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := c.base.JoinPath(c.projectID, "checkout", "signedCheckoutInfo").String()
	var info checkout.SignedCheckoutInfo
	if _, err := c.call(ctx, "CreateCheckoutInfo", http.MethodPost, target, cart, &info); err != nil {
		return nil, mapCheckoutInfoError(err)
	}
	if err := info.Decode(accepted); err != nil {
		return nil, fmt.Errorf("%w: decode checkout info: %w", checkout.ErrUnknown, err)
	}
	if len(info.AvailableMethods) == 0 {
		return nil, checkout.ErrNoPaymentMethodAvailable
	}
	return &info, nil
}

type processRequest struct {
	SignedCheckoutInfo *checkout.SignedCheckoutInfo `json:"signedCheckoutInfo"`
	PaymentMethod      checkout.PaymentMethod       `json:"paymentMethod"`
	PaymentInformation *checkout.PaymentCredentials `json:"paymentInformation,omitempty"`
	ProcessedOffline   bool                         `json:"processedOffline,omitempty"`
	FinalizedAt        *time.Time                   `json:"finalizedAt,omitempty"`
}

// CreatePaymentProcess creates the payment process for req.SessionID. The
// call is an idempotent PUT, so a rejected resend can be recovered by
// fetching the process that already exists.
func (c *Client) CreatePaymentProcess(ctx context.Context, req checkout.PaymentProcessRequest) (*checkout.CheckoutProcess, error) {
	if req.Info == nil || req.Info.Links.CheckoutProcess.Href == "" {
		return nil, fmt.Errorf("%w: signed checkout info has no process link", checkout.ErrUnknown)
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	target, err := c.resolve(req.Info.Links.CheckoutProcess.Href)
	if err != nil {
		return nil, err
	}
	target = strings.TrimRight(target, "/") + "/" + url.PathEscape(sessionID)

	body := processRequest{
		SignedCheckoutInfo: req.Info,
		PaymentMethod:      req.Method,
		PaymentInformation: req.Credentials,
		ProcessedOffline:   req.Offline,
		FinalizedAt:        req.FinalizedAt,
	}
	var process checkout.CheckoutProcess
	raw, err := c.call(ctx, "CreatePaymentProcess", http.MethodPut, target, body, &process)
	if err != nil {
		if rerr, ok := httpclient.AsResponseError(err); ok && rerr.Status == http.StatusForbidden {
			return nil, &checkout.ProcessForbiddenError{URL: target}
		}
		return nil, mapProcessError(err)
	}
	process.Raw = raw
	return &process, nil
}

// UpdatePaymentProcess fetches the current state of the process at rawURL.
func (c *Client) UpdatePaymentProcess(ctx context.Context, rawURL string) (*checkout.CheckoutProcess, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	var process checkout.CheckoutProcess
	raw, err := c.call(ctx, "UpdatePaymentProcess", http.MethodGet, target, nil, &process)
	if err != nil {
		return nil, mapProcessError(err)
	}
	process.Raw = raw
	return &process, nil
}

// Abort asks the backend to abort the process.
func (c *Client) Abort(ctx context.Context, process *checkout.CheckoutProcess) error {
	if process == nil {
		return fmt.Errorf("%w: no payment process", checkout.ErrUnknown)
	}
	target, err := c.resolve(process.Links.Self.Href)
	if err != nil {
		return err
	}
	body := map[string]bool{"aborted": true}
	if _, err := c.call(ctx, "Abort", http.MethodPatch, target, body, nil); err != nil {
		return mapProcessError(err)
	}
	return nil
}

// AuthorizePayment sends an authorization token for the process.
func (c *Client) AuthorizePayment(ctx context.Context, process *checkout.CheckoutProcess, req checkout.AuthorizePaymentRequest) error {
	if process == nil || process.Links.AuthorizePayment == nil {
		return fmt.Errorf("%w: process has no authorization link", checkout.ErrUnknown)
	}
	target, err := c.resolve(process.Links.AuthorizePayment.Href)
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, "AuthorizePayment", http.MethodPost, target, req, nil); err != nil {
		return mapProcessError(err)
	}
	return nil
}

// call performs one JSON round trip. Transport failures are wrapped in
// checkout.ErrConnection; non-2xx responses are returned as
// *httpclient.ResponseError. The raw response body is returned on success.
func (c *Client) call(ctx context.Context, op, method, target string, in, out any) (raw []byte, err error) {
	ctx, cancel := c.scoped(ctx)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "checkout.backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", target),
			attribute.String("checkout.project_id", c.projectID),
		),
	)
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		backendCallsTotal.WithLabelValues(op, outcome(err)).Inc()
		backendCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientToken != "" {
		req.Header.Set("Client-Token", c.clientToken)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(middleware.CorrelationIDHeader, id)
	}

	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		c.logger.WarnContext(ctx, "checkout backend unreachable",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w: %w", op, checkout.ErrConnection, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%s: %w: %w", op, checkout.ErrConnection, httpclient.ParseResponseError(resp, serviceName))
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, httpclient.ParseResponseError(resp, serviceName)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: read body: %w", op, checkout.ErrConnection, err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("%s: %w: decode body: %w", op, checkout.ErrUnknown, err)
		}
	}
	return raw, nil
}

// scoped derives a context that is also cancelled by Cancel.
func (c *Client) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	scope := c.scope
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(scope, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: invalid link %q: %w", checkout.ErrUnknown, ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	return c.base.ResolveReference(&url.URL{Path: strings.TrimLeft(u.Path, "/"), RawQuery: u.RawQuery}).String(), nil
}

type invalidItem struct {
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

func mapCheckoutInfoError(err error) error {
	rerr, ok := httpclient.AsResponseError(err)
	if !ok || errors.Is(err, checkout.ErrConnection) {
		return err
	}
	switch rerr.Status {
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", checkout.ErrNoShop, err)
	case http.StatusConflict:
		switch rerr.Type {
		case errTypeInvalidCartItem:
			var items []invalidItem
			_ = json.Unmarshal(rerr.Details, &items)
			products := make([]checkout.InvalidProduct, 0, len(items))
			for _, it := range items {
				products = append(products, checkout.InvalidProduct{SKU: it.SKU, Name: it.Name})
			}
			return &checkout.InvalidProductsError{Products: products}
		case errTypeNoAvailableMethod:
			return fmt.Errorf("%w: %w", checkout.ErrNoPaymentMethodAvailable, err)
		case errTypeInvalidDepositVoucher:
			return fmt.Errorf("%w: %w", checkout.ErrInvalidDepositVoucher, err)
		}
	}
	return fmt.Errorf("%w: %w", checkout.ErrUnknown, err)
}

func mapProcessError(err error) error {
	if _, ok := httpclient.AsResponseError(err); ok && !errors.Is(err, checkout.ErrConnection) {
		return fmt.Errorf("%w: %w", checkout.ErrUnknown, err)
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, checkout.ErrConnection):
		return "connection_error"
	default:
		return "rejected"
	}
}
