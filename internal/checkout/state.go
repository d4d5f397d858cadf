package checkout

// State is the observable phase of a checkout.
type State string

const (
	StateNone                             State = "NONE"
	StateHandshaking                      State = "HANDSHAKING"
	StateRequestTaxation                  State = "REQUEST_TAXATION"
	StateRequestPaymentMethod             State = "REQUEST_PAYMENT_METHOD"
	StateVerifyingPaymentMethod           State = "VERIFYING_PAYMENT_METHOD"
	StateRequestVerifyAge                 State = "REQUEST_VERIFY_AGE"
	StateRequestPaymentAuthorizationToken State = "REQUEST_PAYMENT_AUTHORIZATION_TOKEN"
	StateWaitForSupervisor                State = "WAIT_FOR_SUPERVISOR"
	StateWaitForGatekeeper                State = "WAIT_FOR_GATEKEEPER"
	StateWaitForApproval                  State = "WAIT_FOR_APPROVAL"
	StatePaymentProcessing                State = "PAYMENT_PROCESSING"
	StatePaymentApproved                  State = "PAYMENT_APPROVED"
	StatePaymentAborted                   State = "PAYMENT_ABORTED"
	StatePaymentAbortFailed               State = "PAYMENT_ABORT_FAILED"
	StateDeniedByPaymentProvider          State = "DENIED_BY_PAYMENT_PROVIDER"
	StateDeniedBySupervisor               State = "DENIED_BY_SUPERVISOR"
	StateDeniedTooYoung                   State = "DENIED_TOO_YOUNG"
	StatePaymentProcessingError           State = "PAYMENT_PROCESSING_ERROR"
	StateConnectionError                  State = "CONNECTION_ERROR"
	StateInvalidProducts                  State = "INVALID_PRODUCTS"
	StateNoPaymentMethodAvailable         State = "NO_PAYMENT_METHOD_AVAILABLE"
	StateNoShop                           State = "NO_SHOP"
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	StateNone, StateHandshaking, StateRequestTaxation, StateRequestPaymentMethod,
	StateVerifyingPaymentMethod, StateRequestVerifyAge, StateRequestPaymentAuthorizationToken,
	StateWaitForSupervisor, StateWaitForGatekeeper, StateWaitForApproval,
	StatePaymentProcessing, StatePaymentApproved, StatePaymentAborted, StatePaymentAbortFailed,
	StateDeniedByPaymentProvider, StateDeniedBySupervisor, StateDeniedTooYoung,
	StatePaymentProcessingError, StateConnectionError, StateInvalidProducts,
	StateNoPaymentMethodAvailable, StateNoShop,
}

func (s State) String() string { return string(s) }

// IsValid reports whether s is one of the declared states.
func (s State) IsValid() bool {
	for _, v := range AllStates {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the checkout has reached an outcome. A new
// checkout has to be started to leave a terminal state.
func (s State) IsTerminal() bool {
	switch s {
	case StatePaymentApproved, StatePaymentAborted,
		StateDeniedByPaymentProvider, StateDeniedBySupervisor, StateDeniedTooYoung,
		StatePaymentProcessingError, StateConnectionError, StateInvalidProducts,
		StateNoPaymentMethodAvailable, StateNoShop:
		return true
	}
	return false
}

// IsPolling reports whether the payment process is re-fetched while the
// checkout is in s. PAYMENT_APPROVED additionally polls while fulfillments
// are open; see Machine.
func (s State) IsPolling() bool {
	switch s {
	case StateWaitForApproval, StateWaitForGatekeeper, StateWaitForSupervisor,
		StateVerifyingPaymentMethod, StateRequestPaymentAuthorizationToken,
		StatePaymentProcessing:
		return true
	}
	return false
}

// isIrreversible reports whether an abort must not reach the backend anymore.
func (s State) isIrreversible() bool {
	switch s {
	case StatePaymentApproved, StateDeniedByPaymentProvider, StateDeniedBySupervisor, StateDeniedTooYoung:
		return true
	}
	return false
}

// inProcess are the states in which a payment process exists and its
// evaluation may move the checkout anywhere.
func (s State) inProcess() bool {
	switch s {
	case StateVerifyingPaymentMethod, StateRequestVerifyAge, StateRequestPaymentAuthorizationToken,
		StateWaitForSupervisor, StateWaitForGatekeeper, StateWaitForApproval,
		StatePaymentProcessing, StatePaymentAbortFailed:
		return true
	}
	return false
}

var evaluationOutcomes = map[State]bool{
	StateRequestVerifyAge:                 true,
	StateRequestPaymentAuthorizationToken: true,
	StateWaitForSupervisor:                true,
	StateWaitForGatekeeper:                true,
	StateWaitForApproval:                  true,
	StatePaymentProcessing:                true,
	StatePaymentApproved:                  true,
	StatePaymentAborted:                   true,
	StatePaymentProcessingError:           true,
	StateDeniedByPaymentProvider:          true,
	StateDeniedBySupervisor:               true,
	StateDeniedTooYoung:                   true,
	StateConnectionError:                  true,
}

var handshakeOutcomes = map[State]bool{
	StateRequestTaxation:          true,
	StateRequestPaymentMethod:     true,
	StateVerifyingPaymentMethod:   true,
	StateWaitForApproval:          true,
	StateInvalidProducts:          true,
	StateNoPaymentMethodAvailable: true,
	StateConnectionError:          true,
}

// CanTransition reports whether the machine may move from one state to
// another.
//
//   - NONE, HANDSHAKING and NO_SHOP are reachable from anywhere (reset, start).
//   - Abort outcomes are reachable from any started checkout.
//   - HANDSHAKING leads to the checkout-info outcomes.
//   - A checkout holding a signed info may move on to VERIFYING_PAYMENT_METHOD.
//   - In-process states lead to every response evaluation outcome.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch to {
	case StateNone, StateHandshaking, StateNoShop:
		return true
	case StatePaymentAborted, StatePaymentProcessingError, StatePaymentAbortFailed:
		if from != StateNone {
			return true
		}
	}

	switch {
	case from == StateHandshaking:
		return handshakeOutcomes[to]
	case from == StateRequestPaymentMethod || from == StateRequestTaxation:
		return to == StateVerifyingPaymentMethod
	case from == StateWaitForApproval && to == StatePaymentApproved:
		return true
	case from.inProcess():
		return evaluationOutcomes[to]
	}
	return false
}
