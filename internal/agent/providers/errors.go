package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason is the coarse cause of a failed provider call. It decides
// whether the call is retried against the same vendor, handed to a
// fallback vendor, or returned as is.
type FailoverReason string

const (
	FailoverBilling          FailoverReason = "billing"
	FailoverRateLimit        FailoverReason = "rate_limit"
	FailoverAuth             FailoverReason = "auth"
	FailoverTimeout          FailoverReason = "timeout"
	FailoverServerError      FailoverReason = "server_error"
	FailoverInvalidRequest   FailoverReason = "invalid_request"
	FailoverModelUnavailable FailoverReason = "model_unavailable"
	FailoverContentFilter    FailoverReason = "content_filter"
	FailoverUnknown          FailoverReason = "unknown"
)

// IsRetryable reports whether repeating the same call may succeed.
func (r FailoverReason) IsRetryable() bool {
	return r == FailoverRateLimit || r == FailoverTimeout || r == FailoverServerError
}

// Failover reports whether a different vendor may succeed where this one
// did not. Bad requests and filtered content fail everywhere.
func (r FailoverReason) Failover() bool {
	switch r {
	case FailoverInvalidRequest, FailoverContentFilter, FailoverUnknown, "":
		return false
	}
	return true
}

// ProviderError wraps a vendor failure with enough detail to log it and
// decide what to do next.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Reason)
	if e.Provider != "" {
		b.WriteString(" " + e.Provider)
	}
	if e.Model != "" {
		b.WriteString(" model=" + e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != "" {
		b.WriteString(" code=" + e.Code)
	}
	if e.RequestID != "" {
		b.WriteString(" request_id=" + e.RequestID)
	}
	switch {
	case e.Message != "":
		b.WriteString(": " + e.Message)
	case e.Cause != nil:
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause, classifying it from its message until a
// status or code says otherwise.
func NewProviderError(provider, model string, cause error) *ProviderError {
	pe := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ClassifyError(cause)}
	if cause != nil {
		pe.Message = cause.Error()
	}
	return pe
}

// WithStatus records the HTTP status. A status with a known meaning
// overrides the current reason.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if r := reasonForStatus(status); r != FailoverUnknown {
		e.Reason = r
	}
	return e
}

// WithCode records the vendor error code, reclassifying when it is known.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if r, ok := codeReasons[strings.ToLower(code)]; ok {
		e.Reason = r
	}
	return e
}

// messageRules is checked in order; the first rule with a matching
// fragment wins.
var messageRules = []struct {
	reason    FailoverReason
	fragments []string
}{
	{FailoverTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{FailoverRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{FailoverAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{FailoverBilling, []string{"billing", "payment", "quota", "insufficient", "402"}},
	{FailoverContentFilter, []string{"content_filter", "content policy", "safety"}},
	{FailoverModelUnavailable, []string{"model not found", "model_not_found", "does not exist"}},
	{FailoverServerError, []string{"internal server", "server error", "overloaded", "connection reset", "connection refused", "500", "502", "503", "504", "529"}},
}

var codeReasons = map[string]FailoverReason{
	"rate_limit_error":         FailoverRateLimit,
	"rate_limit_exceeded":      FailoverRateLimit,
	"authentication_error":     FailoverAuth,
	"invalid_api_key":          FailoverAuth,
	"permission_error":         FailoverAuth,
	"billing_error":            FailoverBilling,
	"insufficient_quota":       FailoverBilling,
	"model_not_found":          FailoverModelUnavailable,
	"model_not_available":      FailoverModelUnavailable,
	"not_found_error":          FailoverModelUnavailable,
	"content_policy_violation": FailoverContentFilter,
	"content_filter":           FailoverContentFilter,
	"server_error":             FailoverServerError,
	"internal_error":           FailoverServerError,
	"api_error":                FailoverServerError,
	"overloaded_error":         FailoverServerError,
	"invalid_request_error":    FailoverInvalidRequest,
}

// ClassifyError guesses a reason from the error text. It is the fallback
// for errors that carry no status or code.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, f := range rule.fragments {
			if strings.Contains(msg, f) {
				return rule.reason
			}
		}
	}
	return FailoverUnknown
}

func reasonForStatus(status int) FailoverReason {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return FailoverAuth
	case http.StatusPaymentRequired:
		return FailoverBilling
	case http.StatusTooManyRequests:
		return FailoverRateLimit
	case http.StatusBadRequest:
		return FailoverInvalidRequest
	case http.StatusNotFound:
		return FailoverModelUnavailable
	case http.StatusRequestTimeout:
		return FailoverTimeout
	}
	if status >= 500 {
		return FailoverServerError
	}
	return FailoverUnknown
}

// GetProviderError returns the first ProviderError in err's chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

// reasonOf prefers the structured reason and falls back to the message.
func reasonOf(err error) FailoverReason {
	if pe, ok := GetProviderError(err); ok {
		return pe.Reason
	}
	return ClassifyError(err)
}

// IsRetryable reports whether err is worth another attempt on the same
// vendor.
func IsRetryable(err error) bool {
	return reasonOf(err).IsRetryable()
}
