package kraken

import (
	"errors"
	"fmt"
	"strings"
)

// ErrKind classifies adapter failures into a closed enumeration. Callers
// branch on kind, never on response text.
type ErrKind string

const (
	ErrKindTransient         ErrKind = "ExchangeTransient"
	ErrKindAuth              ErrKind = "ExchangeAuth"
	ErrKindRate              ErrKind = "ExchangeRate"
	ErrKindNotFound          ErrKind = "OrderNotFound"
	ErrKindInsufficientFunds ErrKind = "RejectInsufficientFunds"
	ErrKindInvalidSize       ErrKind = "RejectInvalidSize"
	ErrKindPriceBand         ErrKind = "RejectPriceBand"
	ErrKindReject            ErrKind = "RejectOther"
	ErrKindUnknown           ErrKind = "Unknown"
)

// APIError wraps a venue or transport failure with its classification
type APIError struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kraken: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("kraken: %s: %s", e.Kind, e.Msg)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError builds an APIError with a classification
func NewAPIError(kind ErrKind, msg string, err error) *APIError {
	return &APIError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report ErrKindUnknown.
func KindOf(err error) ErrKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrKindUnknown
}

// IsTransient reports whether the error is worth a bounded retry
func IsTransient(err error) bool {
	switch KindOf(err) {
	case ErrKindTransient, ErrKindRate:
		return true
	}
	return false
}

// classifyVenueError maps Kraken error codes (e.g. "EOrder:Insufficient
// funds") to the closed kind enumeration.
func classifyVenueError(codes []string) *APIError {
	joined := strings.Join(codes, "; ")
	for _, code := range codes {
		switch {
		case strings.HasPrefix(code, "EAPI:Rate limit"), strings.HasPrefix(code, "EOrder:Rate limit"):
			return NewAPIError(ErrKindRate, joined, nil)
		case strings.HasPrefix(code, "EAPI:Invalid key"), strings.HasPrefix(code, "EAPI:Invalid signature"),
			strings.HasPrefix(code, "EAPI:Invalid nonce"), strings.HasPrefix(code, "EGeneral:Permission denied"):
			return NewAPIError(ErrKindAuth, joined, nil)
		case strings.HasPrefix(code, "EOrder:Insufficient funds"):
			return NewAPIError(ErrKindInsufficientFunds, joined, nil)
		case strings.HasPrefix(code, "EOrder:Order minimum not met"), strings.HasPrefix(code, "EGeneral:Invalid arguments:volume"):
			return NewAPIError(ErrKindInvalidSize, joined, nil)
		case strings.HasPrefix(code, "EOrder:Limit price"), strings.HasPrefix(code, "EOrder:Stop price"):
			return NewAPIError(ErrKindPriceBand, joined, nil)
		case strings.HasPrefix(code, "EOrder:Unknown order"), strings.HasPrefix(code, "EQuery:Unknown"):
			return NewAPIError(ErrKindNotFound, joined, nil)
		case strings.HasPrefix(code, "EService:Unavailable"), strings.HasPrefix(code, "EService:Busy"),
			strings.HasPrefix(code, "EGeneral:Temporary lockout"), strings.HasPrefix(code, "EGeneral:Internal error"):
			return NewAPIError(ErrKindTransient, joined, nil)
		case strings.HasPrefix(code, "EOrder:"):
			return NewAPIError(ErrKindReject, joined, nil)
		case strings.HasPrefix(code, "EQuery:Unknown asset pair"):
			return NewAPIError(ErrKindNotFound, joined, nil)
		}
	}
	return NewAPIError(ErrKindUnknown, joined, nil)
}
