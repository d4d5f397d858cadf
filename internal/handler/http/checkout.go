package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	gpvalidator "github.com/go-playground/validator/v10"

	"github.com/utafrali/selfscan-checkout/internal/checkout"
	"github.com/utafrali/selfscan-checkout/internal/service"
	apperrors "github.com/utafrali/selfscan-checkout/pkg/errors"
	"github.com/utafrali/selfscan-checkout/pkg/httputil"
	"github.com/utafrali/selfscan-checkout/pkg/validator"
)

func init() {
	if err := validator.Register("payment_method", func(fl gpvalidator.FieldLevel) bool {
		return checkout.PaymentMethod(fl.Field().String()).IsKnown()
	}); err != nil {
		panic(err)
	}
}

// CheckoutHandler handles HTTP requests for shopping context endpoints.
type CheckoutHandler struct {
	service *service.CheckoutService
	logger  *slog.Logger
}

// NewCheckoutHandler creates a new checkout HTTP handler.
func NewCheckoutHandler(svc *service.CheckoutService, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// CreateCheckoutRequest is the JSON request body for creating a shopping context.
type CreateCheckoutRequest struct {
	ProjectID              string                `json:"project_id" validate:"required"`
	ShopID                 string                `json:"shop_id"`
	ClientID               string                `json:"client_id"`
	AppUserID              string                `json:"app_user_id"`
	LoyaltyCard            string                `json:"loyalty_card"`
	Items                  []CartItemRequest     `json:"items" validate:"required,min=1,dive"`
	TotalPrice             int64                 `json:"total_price" validate:"gte=0"`
	PaymentMethods         []string              `json:"payment_methods" validate:"dive,payment_method"`
	AcceptedPaymentMethods []string              `json:"accepted_payment_methods" validate:"dive,payment_method"`
	Coupons                []service.CouponInput `json:"coupons" validate:"dive"`
}

// CartItemRequest is one scanned cart line.
type CartItemRequest struct {
	ID          string `json:"id"`
	SKU         string `json:"sku" validate:"required"`
	ScannedCode string `json:"scanned_code"`
	Amount      int    `json:"amount" validate:"required,gte=1"`
	Weight      *int   `json:"weight" validate:"omitempty,gte=0"`
	Units       *int   `json:"units" validate:"omitempty,gte=0"`
	Price       *int64 `json:"price" validate:"omitempty,gte=0"`
	CouponID    string `json:"coupon_id"`
}

// PayRequest is the JSON request body for paying.
type PayRequest struct {
	PaymentMethod   string `json:"payment_method" validate:"required,payment_method"`
	CredentialType  string `json:"credential_type"`
	EncryptedOrigin string `json:"encrypted_origin" validate:"required_with=CredentialType"`
}

// AbortRequest is the JSON request body for aborting.
type AbortRequest struct {
	Error  bool `json:"error"`
	Silent bool `json:"silent"`
}

// AuthorizeRequest is the JSON request body for sending an authorization token.
type AuthorizeRequest struct {
	EncryptedOrigin string `json:"encrypted_origin" validate:"required"`
}

// AddCodeRequest is the JSON request body for attaching a manual code.
type AddCodeRequest struct {
	Code string `json:"code" validate:"required,max=128"`
}

// SetPaymentMethodsRequest is the JSON request body for restricting the
// accepted payment methods.
type SetPaymentMethodsRequest struct {
	PaymentMethods []string `json:"payment_methods" validate:"dive,payment_method"`
}

// SetTaxationRequest is the JSON request body for the taxation choice.
type SetTaxationRequest struct {
	Taxation string `json:"taxation" validate:"required"`
}

// --- Handlers ---

// Create handles POST /api/v1/checkouts
func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	items := make([]service.CartItemInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = service.CartItemInput{
			ID:          it.ID,
			SKU:         it.SKU,
			ScannedCode: it.ScannedCode,
			Amount:      it.Amount,
			Weight:      it.Weight,
			Units:       it.Units,
			Price:       it.Price,
			CouponID:    it.CouponID,
		}
	}

	view, err := h.service.Create(r.Context(), &service.CreateInput{
		ProjectID:              req.ProjectID,
		ShopID:                 req.ShopID,
		ClientID:               req.ClientID,
		AppUserID:              req.AppUserID,
		LoyaltyCard:            req.LoyaltyCard,
		Items:                  items,
		TotalPrice:             req.TotalPrice,
		PaymentMethods:         paymentMethods(req.PaymentMethods),
		AcceptedPaymentMethods: paymentMethods(req.AcceptedPaymentMethods),
		Coupons:                req.Coupons,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: view})
}

// Get handles GET /api/v1/checkouts/{id}
func (h *CheckoutHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	view, err := h.service.Get(r.Context(), id)
	h.respond(w, r, view, err)
}

// Process handles GET /api/v1/checkouts/{id}/process and returns the last
// payment process document unchanged.
func (h *CheckoutHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	raw, err := h.service.RawProcess(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// Start handles POST /api/v1/checkouts/{id}/start
func (h *CheckoutHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	view, err := h.service.Start(r.Context(), id)
	h.respond(w, r, view, err)
}

// Pay handles POST /api/v1/checkouts/{id}/pay
func (h *CheckoutHandler) Pay(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req PayRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.service.Pay(r.Context(), id, &service.PayInput{
		Method:          checkout.PaymentMethod(req.PaymentMethod),
		CredentialType:  req.CredentialType,
		EncryptedOrigin: req.EncryptedOrigin,
	})
	h.respond(w, r, view, err)
}

// Abort handles POST /api/v1/checkouts/{id}/abort
func (h *CheckoutHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req AbortRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.service.Abort(r.Context(), id, &service.AbortInput{Error: req.Error, Silent: req.Silent})
	h.respond(w, r, view, err)
}

// Authorize handles POST /api/v1/checkouts/{id}/authorize
func (h *CheckoutHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req AuthorizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.service.Authorize(r.Context(), id, req.EncryptedOrigin)
	h.respond(w, r, view, err)
}

// ApproveOffline handles POST /api/v1/checkouts/{id}/approve-offline
func (h *CheckoutHandler) ApproveOffline(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	view, err := h.service.ApproveOffline(r.Context(), id)
	h.respond(w, r, view, err)
}

// AddCode handles POST /api/v1/checkouts/{id}/codes
func (h *CheckoutHandler) AddCode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req AddCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.service.AddCode(r.Context(), id, req.Code)
	h.respond(w, r, view, err)
}

// RemoveCode handles DELETE /api/v1/checkouts/{id}/codes/{code}
func (h *CheckoutHandler) RemoveCode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	view, err := h.service.RemoveCode(r.Context(), id, chi.URLParam(r, "code"))
	h.respond(w, r, view, err)
}

// SetPaymentMethods handles PUT /api/v1/checkouts/{id}/payment-methods
func (h *CheckoutHandler) SetPaymentMethods(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req SetPaymentMethodsRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.service.SetAcceptedPaymentMethods(r.Context(), id, paymentMethods(req.PaymentMethods))
	h.respond(w, r, view, err)
}

// SetTaxation handles PUT /api/v1/checkouts/{id}/taxation
func (h *CheckoutHandler) SetTaxation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	var req SetTaxationRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.service.SetTaxation(r.Context(), id, req.Taxation)
	h.respond(w, r, view, err)
}

// Delete handles DELETE /api/v1/checkouts/{id}
func (h *CheckoutHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.id(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandler) id(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return "", false
	}
	return id.String(), true
}

func (h *CheckoutHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeRequest(w, r, dst, h.logger)
}

func (h *CheckoutHandler) respond(w http.ResponseWriter, r *http.Request, view *service.View, err error) {
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: view})
}

// decodeRequest decodes and validates a JSON body. Malformed JSON is
// reported as invalid input rather than an internal error.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any, logger *slog.Logger) bool {
	err := validator.DecodeAndValidate(w, r, dst)
	if err == nil {
		return true
	}
	var valErr *validator.ValidationError
	if !errors.As(err, &valErr) {
		err = apperrors.InvalidInput("invalid request body: " + err.Error())
	}
	httputil.WriteError(w, r, err, logger)
	return false
}

func paymentMethods(in []string) []checkout.PaymentMethod {
	if len(in) == 0 {
		return nil
	}
	out := make([]checkout.PaymentMethod, len(in))
	for i, m := range in {
		out[i] = checkout.PaymentMethod(m)
	}
	return out
}
