package admission

import "errors"

// Rejection reasons returned in Decision.Reason.
const (
	ReasonMaxCalls              = "Maximum calls reached"
	ReasonInsufficientBandwidth = "Insufficient bandwidth"
)

var ErrHandleReleased = errors.New("call handle released")
