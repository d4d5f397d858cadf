package checkout

// Decision is the outcome of evaluating a payment process response. The
// zero value means "keep waiting".
type Decision struct {
	// Next is the state to move to, empty for no transition.
	Next State
	// Force re-announces Next even when the machine already is in it.
	Force bool
	// Approve applies the approval side effects before moving to Next.
	Approve bool
	// FulfillmentDone and FulfillmentUpdate select the fulfillment
	// notification to emit.
	FulfillmentDone   bool
	FulfillmentUpdate bool
	// AbortProcess aborts the process in the background and keeps polling.
	AbortProcess bool
	// SilentAbort aborts the process and drops the session without
	// leaving Next.
	SilentAbort bool
	// ResendAuthorization resends the stored authorization request.
	ResendAuthorization bool
}

// AuthorizationStatus describes the stored payment authorization request.
type AuthorizationStatus struct {
	Stored bool
	Failed bool
}

// Evaluate decides what to do with a payment process response received
// while the machine is in current.
func Evaluate(current State, p *CheckoutProcess, auth AuthorizationStatus) Decision {
	if p == nil {
		return Decision{}
	}

	if p.Aborted {
		if anyFulfillment(p, func(s FulfillmentState) bool { return s.IsFailure() || s.IsAllocationFailure() }) {
			return Decision{Next: StatePaymentProcessingError}
		}
		return Decision{Next: StatePaymentAborted}
	}

	if current == StateVerifyingPaymentMethod {
		switch p.RoutingTarget {
		case RoutingSupervisor:
			return Decision{Next: StateWaitForSupervisor, Force: true}
		case RoutingGatekeeper:
			return Decision{Next: StateWaitForGatekeeper, Force: true}
		default:
			return Decision{Next: StateWaitForApproval, Force: true}
		}
	}

	if p.Links.AuthorizePayment != nil && p.Links.AuthorizePayment.Href != "" {
		switch {
		case auth.Stored && auth.Failed:
			return Decision{ResendAuthorization: true}
		case auth.Stored:
			return Decision{}
		default:
			return Decision{Next: StateRequestPaymentAuthorizationToken}
		}
	}

	if p.PaymentState == CheckSuccessful {
		if p.ExitToken != nil && p.ExitToken.Value == "" {
			return Decision{}
		}
		d := Decision{Next: StatePaymentApproved, Approve: true}
		if allFulfillmentsClosed(p) {
			d.FulfillmentDone = true
		} else {
			d.FulfillmentUpdate = true
		}
		return d
	}

	if age, ok := appAgeCheck(p); ok {
		switch age.State {
		case CheckPending:
			return Decision{Next: StateRequestVerifyAge, SilentAbort: true}
		case CheckFailed:
			return Decision{Next: StateDeniedTooYoung, SilentAbort: true}
		}
	}

	switch p.PaymentState {
	case CheckPending, CheckUnauthorized:
		switch {
		case anyFulfillment(p, FulfillmentState.IsFailure):
			return Decision{Next: StatePaymentProcessing, AbortProcess: true, FulfillmentDone: true}
		case anyFulfillment(p, FulfillmentState.IsAllocationFailure):
			return Decision{Next: StatePaymentAborted}
		case anyCheckFailed(p):
			return Decision{Next: StateDeniedBySupervisor}
		}
	case CheckProcessing:
		return Decision{Next: StatePaymentProcessing}
	case CheckFailed:
		if p.PaymentResult != nil && p.PaymentResult.FailureCause == FailureCauseTerminalAbort {
			return Decision{Next: StatePaymentAborted}
		}
		return Decision{Next: StateDeniedByPaymentProvider}
	}
	return Decision{}
}

func appAgeCheck(p *CheckoutProcess) (Check, bool) {
	for _, c := range p.Checks {
		if c.Type == CheckTypeMinAge && c.PerformedBy == PerformedByApp {
			return c, true
		}
	}
	return Check{}, false
}

func anyCheckFailed(p *CheckoutProcess) bool {
	for _, c := range p.Checks {
		if c.State == CheckFailed {
			return true
		}
	}
	return false
}

func anyFulfillment(p *CheckoutProcess, match func(FulfillmentState) bool) bool {
	for _, f := range p.Fulfillments {
		if match(f.State) {
			return true
		}
	}
	return false
}

func allFulfillmentsClosed(p *CheckoutProcess) bool {
	return !anyFulfillment(p, FulfillmentState.IsOpen)
}

// hasOpenFulfillments reports whether polling has to continue after approval.
func hasOpenFulfillments(p *CheckoutProcess) bool {
	return p != nil && anyFulfillment(p, FulfillmentState.IsOpen)
}
