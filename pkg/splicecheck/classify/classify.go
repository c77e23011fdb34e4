// Package classify maps OAuth endpoint responses onto a small category set
// so attack tests can tell deliberate policy enforcement apart from
// infrastructure failure.
package classify

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Category is the interpretation of an HTTP status plus OAuth error code.
type Category string

// Response categories.
const (
	CategorySuccess           Category = "success"
	CategorySecurityRejection Category = "security_rejection"
	CategoryAuthError         Category = "auth_error"
	CategoryRateLimit         Category = "rate_limit"
	CategoryServerError       Category = "server_error"
	CategoryUnsupported       Category = "unsupported"
	CategoryUnknown           Category = "unknown"
)

// securityErrorCodes are the RFC 6749/8693 error codes that signal the
// server understood the request and refused it on policy grounds.
var securityErrorCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_target":      true,
	"invalid_request":     true,
	"invalid_scope":       true,
	"unauthorized_client": true,
	"access_denied":       true,
}

// ErrorCode extracts the OAuth error code from a parsed JSON body or a raw
// string body. Returns "" when no code is present.
func ErrorCode(body any) string {
	switch b := body.(type) {
	case map[string]any:
		code, _ := b["error"].(string)
		return code
	case string:
		if v := gjson.Get(b, "error"); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// Classify computes the category for an HTTP status and optional body.
func Classify(status int, body any) Category {
	switch {
	case status >= 200 && status < 300:
		return CategorySuccess
	case status == 429:
		return CategoryRateLimit
	case status >= 500 && status < 600:
		return CategoryServerError
	case status == 401:
		return CategoryAuthError
	case status == 400 || status == 403:
		switch code := ErrorCode(body); {
		case code == "invalid_client":
			return CategoryAuthError
		case code == "unsupported_grant_type" || code == "unsupported_response_type":
			return CategoryUnsupported
		case securityErrorCodes[code]:
			return CategorySecurityRejection
		default:
			// A 400/403 without a recognised code still implies deliberate
			// refusal rather than infrastructure failure.
			return CategorySecurityRejection
		}
	default:
		return CategoryUnknown
	}
}

// IsSecurityRejection reports whether the response is a deliberate policy
// rejection.
func IsSecurityRejection(status int, body any) bool {
	return Classify(status, body) == CategorySecurityRejection
}

// IsInconclusive reports whether the response says nothing about the
// server's token-exchange policy: auth failures, throttling, crashes,
// unsupported grants and unclassifiable statuses.
func IsInconclusive(status int, body any) bool {
	switch Classify(status, body) {
	case CategoryAuthError, CategoryRateLimit, CategoryServerError, CategoryUnsupported, CategoryUnknown:
		return true
	}
	return false
}

// Describe renders a short status summary for verdict reasons, e.g.
// "HTTP 400 security_rejection (invalid_grant)".
func Describe(status int, body any) string {
	category := Classify(status, body)
	if code := ErrorCode(body); code != "" {
		return fmt.Sprintf("HTTP %d %s (%s)", status, category, code)
	}
	return fmt.Sprintf("HTTP %d %s", status, category)
}
