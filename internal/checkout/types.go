package checkout

import (
	"encoding/json"
	"time"
)

// PaymentMethod identifies a payment method as the backend names it.
type PaymentMethod string

const (
	MethodQRCodePOS          PaymentMethod = "qrCodePOS"
	MethodQRCodeOffline      PaymentMethod = "qrCodeOffline"
	MethodCustomerCardPOS    PaymentMethod = "customerCardPOS"
	MethodDeDirectDebit      PaymentMethod = "deDirectDebit"
	MethodCreditCardVisa     PaymentMethod = "creditCardVisa"
	MethodCreditCardMaster   PaymentMethod = "creditCardMastercard"
	MethodCreditCardAmex     PaymentMethod = "creditCardAmericanExpress"
	MethodGatekeeperTerminal PaymentMethod = "gatekeeperTerminal"
	MethodPaydirektOneKlick  PaymentMethod = "paydirektOneKlick"
	MethodTwint              PaymentMethod = "twint"
	MethodPostFinanceCard    PaymentMethod = "postFinanceCard"
	MethodGooglePay          PaymentMethod = "googlePay"
	MethodExternalBilling    PaymentMethod = "externalBilling"
)

// IsKnown reports whether m is one of the methods above.
func (m PaymentMethod) IsKnown() bool {
	switch m {
	case MethodQRCodePOS, MethodQRCodeOffline, MethodCustomerCardPOS, MethodDeDirectDebit,
		MethodCreditCardVisa, MethodCreditCardMaster, MethodCreditCardAmex,
		MethodGatekeeperTerminal, MethodPaydirektOneKlick, MethodTwint,
		MethodPostFinanceCard, MethodGooglePay, MethodExternalBilling:
		return true
	}
	return false
}

// IsOfflineOnly reports whether the method is settled without any backend
// round trip. Such payments are never polled.
func (m PaymentMethod) IsOfflineOnly() bool {
	return m == MethodQRCodeOffline
}

// IsOfflineCapable reports whether the shopper may confirm the payment
// themselves.
func (m PaymentMethod) IsOfflineCapable() bool {
	return m == MethodQRCodeOffline || m == MethodCustomerCardPOS
}

// CheckState is the evaluation status of a check or of the payment itself.
type CheckState string

const (
	CheckPending      CheckState = "PENDING"
	CheckSuccessful   CheckState = "SUCCESSFUL"
	CheckFailed       CheckState = "FAILED"
	CheckUnauthorized CheckState = "UNAUTHORIZED"
	CheckProcessing   CheckState = "PROCESSING"
)

// RoutingTarget names who has to clear the payment next.
type RoutingTarget string

const (
	RoutingNone       RoutingTarget = "none"
	RoutingSupervisor RoutingTarget = "supervisor"
	RoutingGatekeeper RoutingTarget = "gatekeeper"
	RoutingAutomatic  RoutingTarget = "automatic"
)

// FulfillmentState is the lifecycle state of a fulfillment.
type FulfillmentState string

const (
	FulfillmentOpen               FulfillmentState = "open"
	FulfillmentAllocating         FulfillmentState = "allocating"
	FulfillmentAllocated          FulfillmentState = "allocated"
	FulfillmentProcessing         FulfillmentState = "processing"
	FulfillmentProcessed          FulfillmentState = "processed"
	FulfillmentAborted            FulfillmentState = "aborted"
	FulfillmentFailed             FulfillmentState = "failed"
	FulfillmentAllocationFailed   FulfillmentState = "allocationFailed"
	FulfillmentAllocationTimedOut FulfillmentState = "allocationTimedOut"
)

// IsOpen reports whether the fulfillment is still pending.
func (s FulfillmentState) IsOpen() bool {
	switch s {
	case FulfillmentOpen, FulfillmentAllocating, FulfillmentAllocated, FulfillmentProcessing:
		return true
	}
	return false
}

// IsFailure reports a closed fulfillment that failed after allocation.
func (s FulfillmentState) IsFailure() bool {
	return s == FulfillmentAborted || s == FulfillmentFailed
}

// IsAllocationFailure reports a fulfillment that could not be allocated.
func (s FulfillmentState) IsAllocationFailure() bool {
	return s == FulfillmentAllocationFailed || s == FulfillmentAllocationTimedOut
}

// Fulfillment is a downstream task tracked alongside the payment.
type Fulfillment struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	State    FulfillmentState `json:"state"`
	RefersTo []string         `json:"refersTo,omitempty"`
}

// Check types and performers the evaluation inspects.
const (
	CheckTypeMinAge             = "min_age"
	CheckTypeSupervisorApproval = "supervisor_approval"

	PerformedByApp        = "app"
	PerformedByBackend    = "backend"
	PerformedBySupervisor = "supervisor"
	PerformedByPayment    = "payment"
)

// Check is a named verification attached to a payment process.
type Check struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	PerformedBy string     `json:"performedBy"`
	State       CheckState `json:"state"`
	RequiredAge int        `json:"requiredAge,omitempty"`
}

// Link is a hypermedia reference returned by the backend.
type Link struct {
	Href string `json:"href"`
}

// Price holds an amount in the smallest currency unit.
type Price struct {
	Price int64 `json:"price"`
}

// BackendCartItem is a single line of the cart snapshot sent to the backend.
type BackendCartItem struct {
	ID          string `json:"id"`
	SKU         string `json:"sku"`
	ScannedCode string `json:"scannedCode,omitempty"`
	Amount      int    `json:"amount"`
	Weight      *int   `json:"weight,omitempty"`
	Units       *int   `json:"units,omitempty"`
	Price       *int64 `json:"price,omitempty"`
	CouponID    string `json:"couponID,omitempty"`
}

// RequiredInformation is an extra value the backend asks the shopper for.
type RequiredInformation struct {
	ID    string `json:"id"`
	Value string `json:"value,omitempty"`
}

// RequiredTaxation is the required information id for the taxation choice.
const RequiredTaxation = "taxation"

// Customer carries the loyalty card presented at checkout.
type Customer struct {
	LoyaltyCard string `json:"loyaltyCard,omitempty"`
}

// BackendCart is the cart snapshot the checkout is negotiated for.
type BackendCart struct {
	SessionID           string                `json:"session"`
	ShopID              string                `json:"shopID"`
	ClientID            string                `json:"clientID,omitempty"`
	AppUserID           string                `json:"appUserID,omitempty"`
	Customer            *Customer             `json:"customer,omitempty"`
	Items               []BackendCartItem     `json:"items"`
	RequiredInformation []RequiredInformation `json:"requiredInformation,omitempty"`
}

// LineItem is a priced line of the signed checkout info.
type LineItem struct {
	ID         string `json:"id"`
	SKU        string `json:"sku,omitempty"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	Amount     int    `json:"amount"`
	TotalPrice int64  `json:"totalPrice"`
	CouponID   string `json:"couponID,omitempty"`
	Redeemed   bool   `json:"redeemed,omitempty"`
}

// LineItemTypeCoupon marks a coupon line item.
const LineItemTypeCoupon = "coupon"

// PaymentMethodInfo describes a payment method offered by the backend.
type PaymentMethodInfo struct {
	ID                  PaymentMethod `json:"id"`
	AcceptedOriginTypes []string      `json:"acceptedOriginTypes,omitempty"`
}

// RequiresCredentials reports whether paying with the method needs stored
// credentials from the shopper.
func (p PaymentMethodInfo) RequiresCredentials() bool {
	return len(p.AcceptedOriginTypes) > 0
}

// CheckoutInfo is the decoded content of a signed checkout info.
type CheckoutInfo struct {
	SessionID           string                `json:"session,omitempty"`
	Price               Price                 `json:"price"`
	LineItems           []LineItem            `json:"lineItems"`
	PaymentMethods      []PaymentMethodInfo   `json:"paymentMethods"`
	RequiredInformation []RequiredInformation `json:"requiredInformation,omitempty"`
}

// RequiresTaxation reports whether the shopper still has to choose a
// taxation.
func (c CheckoutInfo) RequiresTaxation() bool {
	for _, ri := range c.RequiredInformation {
		if ri.ID == RequiredTaxation && ri.Value == "" {
			return true
		}
	}
	return false
}

// CheckoutInfoLinks are the links of a signed checkout info.
type CheckoutInfoLinks struct {
	CheckoutProcess Link `json:"checkoutProcess"`
}

// SignedCheckoutInfo is the server-attested checkout snapshot. The raw
// checkout info is passed back to the backend byte for byte.
type SignedCheckoutInfo struct {
	RawInfo   json.RawMessage   `json:"checkoutInfo"`
	Signature string            `json:"signature"`
	Links     CheckoutInfoLinks `json:"links"`

	// Info is RawInfo decoded. AvailableMethods is filtered to what the
	// client accepts.
	Info             CheckoutInfo        `json:"-"`
	AvailableMethods []PaymentMethodInfo `json:"-"`
}

// Decode fills Info from RawInfo and filters the available methods to
// accepted. An empty accepted list accepts everything.
func (s *SignedCheckoutInfo) Decode(accepted []PaymentMethod) error {
	if err := json.Unmarshal(s.RawInfo, &s.Info); err != nil {
		return err
	}
	s.AvailableMethods = FilterMethods(s.Info.PaymentMethods, accepted)
	return nil
}

// FilterMethods keeps the offered methods that appear in accepted.
func FilterMethods(offered []PaymentMethodInfo, accepted []PaymentMethod) []PaymentMethodInfo {
	if len(accepted) == 0 {
		return append([]PaymentMethodInfo(nil), offered...)
	}
	out := make([]PaymentMethodInfo, 0, len(offered))
	for _, o := range offered {
		for _, a := range accepted {
			if o.ID == a {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// PaymentCredentials is an opaque credential token for a payment method.
type PaymentCredentials struct {
	Type            string `json:"type"`
	EncryptedOrigin string `json:"encryptedOrigin"`
}

// ProcessLinks are the links of a payment process.
type ProcessLinks struct {
	Self             Link  `json:"self"`
	AuthorizePayment *Link `json:"authorizePayment,omitempty"`
	Receipt          *Link `json:"receipt,omitempty"`
}

// PaymentInformation carries what the shopper has to show at a point of sale.
type PaymentInformation struct {
	QRCodeContent string `json:"qrCodeContent,omitempty"`
}

// PaymentResult carries the backend's reason for a failed payment.
type PaymentResult struct {
	FailureCause string `json:"failureCause,omitempty"`
}

// FailureCauseTerminalAbort is reported when the payment terminal aborted
// the payment.
const FailureCauseTerminalAbort = "terminalAbort"

// ExitToken lets the shopper pass the exit gate after a successful payment.
type ExitToken struct {
	Value  string `json:"value"`
	Format string `json:"format,omitempty"`
}

// CheckoutProcess is the backend's view of a payment process. It is
// replaced on every poll.
type CheckoutProcess struct {
	Links              ProcessLinks        `json:"links"`
	Aborted            bool                `json:"aborted"`
	Checks             []Check             `json:"checks,omitempty"`
	RoutingTarget      RoutingTarget       `json:"routingTarget,omitempty"`
	PaymentMethod      PaymentMethod       `json:"paymentMethod,omitempty"`
	PaymentState       CheckState          `json:"paymentState"`
	PaymentInformation *PaymentInformation `json:"paymentInformation,omitempty"`
	PaymentResult      *PaymentResult      `json:"paymentResult,omitempty"`
	ExitToken          *ExitToken          `json:"exitToken,omitempty"`
	Fulfillments       []Fulfillment       `json:"fulfillments,omitempty"`
	OrderID            string              `json:"orderID,omitempty"`

	// Raw is the response body the process was decoded from.
	Raw json.RawMessage `json:"-"`
}

// AuthorizePaymentRequest is sent when the backend asks for a payment
// authorization token.
type AuthorizePaymentRequest struct {
	EncryptedOrigin string `json:"encryptedOrigin"`
}

// PaymentProcessRequest holds the arguments of CreatePaymentProcess.
type PaymentProcessRequest struct {
	SessionID   string
	Info        *SignedCheckoutInfo
	Method      PaymentMethod
	Credentials *PaymentCredentials
	Offline     bool
	FinalizedAt *time.Time
}

// InvalidProduct is a cart product the backend refused to sell.
type InvalidProduct struct {
	SKU  string `json:"sku"`
	Name string `json:"name,omitempty"`
}

// Coupon is an entry of the project's coupon catalog.
type Coupon struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
