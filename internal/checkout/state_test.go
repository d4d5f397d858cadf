package checkout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllStates_AreValidAndUnique(t *testing.T) {
	seen := make(map[State]bool)
	for _, s := range AllStates {
		assert.True(t, s.IsValid(), "state %s", s)
		assert.False(t, seen[s], "duplicate state %s", s)
		seen[s] = true
	}
	assert.Len(t, AllStates, 22)
	assert.False(t, State("SOMETHING_ELSE").IsValid())
}

func TestState_IsTerminal(t *testing.T) {
	terminal := map[State]bool{
		StatePaymentApproved:          true,
		StatePaymentAborted:           true,
		StateDeniedByPaymentProvider:  true,
		StateDeniedBySupervisor:       true,
		StateDeniedTooYoung:           true,
		StatePaymentProcessingError:   true,
		StateConnectionError:          true,
		StateInvalidProducts:          true,
		StateNoPaymentMethodAvailable: true,
		StateNoShop:                   true,
	}
	for _, s := range AllStates {
		assert.Equal(t, terminal[s], s.IsTerminal(), "state %s", s)
	}
}

func TestState_IsPolling(t *testing.T) {
	polling := map[State]bool{
		StateWaitForApproval:                  true,
		StateWaitForGatekeeper:                true,
		StateWaitForSupervisor:                true,
		StateVerifyingPaymentMethod:           true,
		StateRequestPaymentAuthorizationToken: true,
		StatePaymentProcessing:                true,
	}
	for _, s := range AllStates {
		assert.Equal(t, polling[s], s.IsPolling(), "state %s", s)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"start from anywhere", StatePaymentApproved, StateHandshaking, true},
		{"reset from anywhere", StateWaitForSupervisor, StateNone, true},
		{"no shop from none", StateNone, StateNoShop, true},
		{"same state", StatePaymentProcessing, StatePaymentProcessing, true},
		{"handshake to method selection", StateHandshaking, StateRequestPaymentMethod, true},
		{"handshake to taxation", StateHandshaking, StateRequestTaxation, true},
		{"handshake auto pay", StateHandshaking, StateVerifyingPaymentMethod, true},
		{"handshake offline fallback", StateHandshaking, StateWaitForApproval, true},
		{"handshake to invalid products", StateHandshaking, StateInvalidProducts, true},
		{"handshake cannot approve", StateHandshaking, StatePaymentApproved, false},
		{"method selection to verifying", StateRequestPaymentMethod, StateVerifyingPaymentMethod, true},
		{"method selection cannot approve", StateRequestPaymentMethod, StatePaymentApproved, false},
		{"verifying to supervisor", StateVerifyingPaymentMethod, StateWaitForSupervisor, true},
		{"verifying connection error", StateVerifyingPaymentMethod, StateConnectionError, true},
		{"waiting to approved", StateWaitForApproval, StatePaymentApproved, true},
		{"processing to denied", StatePaymentProcessing, StateDeniedByPaymentProvider, true},
		{"abort failed to aborted", StatePaymentAbortFailed, StatePaymentAborted, true},
		{"abort from approved", StatePaymentApproved, StatePaymentAborted, true},
		{"approved cannot go back to processing", StatePaymentApproved, StatePaymentProcessing, false},
		{"denied cannot be approved", StateDeniedBySupervisor, StatePaymentApproved, false},
		{"none cannot be aborted", StateNone, StatePaymentAborted, false},
		{"none cannot verify", StateNone, StateVerifyingPaymentMethod, false},
		{"connection error cannot verify", StateConnectionError, StateVerifyingPaymentMethod, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPaymentMethod_OfflineClassification(t *testing.T) {
	assert.True(t, MethodQRCodeOffline.IsOfflineOnly())
	assert.True(t, MethodQRCodeOffline.IsOfflineCapable())
	assert.False(t, MethodCustomerCardPOS.IsOfflineOnly())
	assert.True(t, MethodCustomerCardPOS.IsOfflineCapable())
	assert.False(t, MethodDeDirectDebit.IsOfflineCapable())
}

func TestPaymentMethod_IsKnown(t *testing.T) {
	assert.True(t, MethodTwint.IsKnown())
	assert.True(t, MethodExternalBilling.IsKnown())
	assert.True(t, PaymentMethod("creditCardVisa").IsKnown())
	assert.False(t, PaymentMethod("bitcoin").IsKnown())
	assert.False(t, PaymentMethod("").IsKnown())
}

func TestFilterMethods(t *testing.T) {
	offered := []PaymentMethodInfo{
		{ID: MethodDeDirectDebit, AcceptedOriginTypes: []string{"iban"}},
		{ID: MethodQRCodePOS},
		{ID: MethodCreditCardVisa},
	}

	assert.Equal(t, offered, FilterMethods(offered, nil))
	assert.Equal(t,
		[]PaymentMethodInfo{{ID: MethodQRCodePOS}},
		FilterMethods(offered, []PaymentMethod{MethodQRCodePOS, MethodTwint}),
	)
	assert.Empty(t, FilterMethods(offered, []PaymentMethod{MethodTwint}))
}

func TestSignedCheckoutInfo_Decode(t *testing.T) {
	s := &SignedCheckoutInfo{
		RawInfo: []byte(`{"price":{"price":1299},"paymentMethods":[{"id":"qrCodePOS"},{"id":"deDirectDebit","acceptedOriginTypes":["iban"]}],"requiredInformation":[{"id":"taxation"}]}`),
	}

	err := s.Decode([]PaymentMethod{MethodDeDirectDebit})

	assert.NoError(t, err)
	assert.Equal(t, int64(1299), s.Info.Price.Price)
	assert.True(t, s.Info.RequiresTaxation())
	if assert.Len(t, s.AvailableMethods, 1) {
		assert.True(t, s.AvailableMethods[0].RequiresCredentials())
	}
}

func TestSignedCheckoutInfo_DecodeInvalid(t *testing.T) {
	s := &SignedCheckoutInfo{RawInfo: []byte(`{`)}
	assert.Error(t, s.Decode(nil))
}

func TestCheckoutInfo_RequiresTaxation(t *testing.T) {
	assert.False(t, CheckoutInfo{}.RequiresTaxation())
	assert.False(t, CheckoutInfo{RequiredInformation: []RequiredInformation{{ID: RequiredTaxation, Value: "inHouse"}}}.RequiresTaxation())
	assert.True(t, CheckoutInfo{RequiredInformation: []RequiredInformation{{ID: RequiredTaxation}}}.RequiresTaxation())
}
