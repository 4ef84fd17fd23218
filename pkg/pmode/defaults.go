package pmode

import (
	"time"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/validation"
)

// The helpers in this file resolve optional leg settings to the value that
// applies, substituting the default when a setting is absent. All of them
// accept a nil leg.

// WaitIntervals returns the reception awareness wait intervals of the leg.
// ok is false when the leg has no usable reception awareness configuration.
func WaitIntervals(leg *Leg) (intervals []time.Duration, ok bool) {
	if leg == nil || leg.ReceptionAwareness == nil || len(leg.ReceptionAwareness.WaitIntervals) == 0 {
		return nil, false
	}
	intervals = make([]time.Duration, 0, len(leg.ReceptionAwareness.WaitIntervals))
	for _, iv := range leg.ReceptionAwareness.WaitIntervals {
		d, err := iv.Duration()
		if err != nil {
			return nil, false
		}
		intervals = append(intervals, d)
	}
	return intervals, true
}

// UseDuplicateDetection reports whether the leg requests duplicate elimination
func UseDuplicateDetection(leg *Leg) bool {
	return leg != nil && leg.ReceptionAwareness != nil &&
		leg.ReceptionAwareness.DuplicateDetection != nil &&
		leg.ReceptionAwareness.DuplicateDetection.Enabled
}

// ReceiptPattern returns the reply pattern for receipts, RESPONSE by default
func ReceiptPattern(leg *Leg) ReplyPattern {
	if leg == nil || leg.Receipt == nil || leg.Receipt.Pattern == "" {
		return ReplyResponse
	}
	return leg.Receipt.Pattern
}

// ShouldNotifyReceipt reports whether received receipts must be passed to
// the business application
func ShouldNotifyReceipt(leg *Leg) bool {
	return leg != nil && leg.Receipt != nil && leg.Receipt.NotifyReceipt
}

// ShouldNotifyError reports whether errors for messages on this leg must be
// delivered to the business application. Defaults to true.
func ShouldNotifyError(leg *Leg) bool {
	if leg == nil || leg.ErrorHandling == nil || leg.ErrorHandling.NotifyErrorToBusinessApp == nil {
		return true
	}
	return *leg.ErrorHandling.NotifyErrorToBusinessApp
}

// ErrorPattern returns the reply pattern for error signals, RESPONSE by default
func ErrorPattern(leg *Leg) ReplyPattern {
	if leg == nil || leg.ErrorHandling == nil || leg.ErrorHandling.Pattern == "" {
		return ReplyResponse
	}
	return leg.ErrorHandling.Pattern
}

// BusinessInfoOf returns the business info of the leg, if any
func BusinessInfoOf(leg *Leg) *BusinessInfo {
	if leg == nil || leg.UserMessageFlow == nil {
		return nil
	}
	return leg.UserMessageFlow.BusinessInfo
}

// MPC returns the MPC of the leg, the default MPC when none is configured
func MPC(leg *Leg) string {
	if bi := BusinessInfoOf(leg); bi != nil && bi.MPC != "" {
		return bi.MPC
	}
	return message.DefaultMPC
}

// CustomValidation returns the custom validation configuration of the leg
func CustomValidation(leg *Leg) *validation.Config {
	if leg == nil || leg.UserMessageFlow == nil {
		return nil
	}
	return leg.UserMessageFlow.CustomValidation
}

// ResendState returns the state in which an outbound user message waits for
// its next transmission: READY_TO_PUSH when this MSH initiates the
// transmission, AWAITING_PULL when the peer pulls it.
func ResendState(p *ProcessingMode) message.ProcessingState {
	if p != nil && p.IsPull() {
		return message.StateAwaitingPull
	}
	return message.StateReadyToPush
}
