// Package validator enforces the presented-credential length bounds and the
// per-provider content rules on request bodies, paths and query strings.
package validator

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/tidwall/gjson"

	"keypool/internal/config"
)

const (
	minCredentialLen = 16
	maxCredentialLen = 256
)

// Rule types recognized in provider configuration.
const (
	RuleBodyJSON = "body-json"
	RulePath     = "path"
	RuleQuery    = "query"
)

// RejectionError carries the human reason for a 400.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

func reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// ValidateLength bounds the presented credential to 16..256 characters.
func ValidateLength(credential string) error {
	if len(credential) < minCredentialLen {
		return reject("credential too short: %d < %d characters", len(credential), minCredentialLen)
	}
	if len(credential) > maxCredentialLen {
		return reject("credential too long: %d > %d characters", len(credential), maxCredentialLen)
	}
	return nil
}

// ValidateForImport applies the import-time checks (length only).
func ValidateForImport(credential string) error {
	return ValidateLength(credential)
}

// ValidateRequest applies every configured rule; the empty rule set accepts.
// A missing key, a non-matching value, or an uncompilable pattern all reject.
func ValidateRequest(rules []config.ValidationRule, body []byte, path string, query url.Values) error {
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return reject("rule %s/%s has invalid pattern %q: %v", rule.Type, rule.Key, rule.Pattern, err)
		}
		switch rule.Type {
		case RuleBodyJSON:
			result := gjson.GetBytes(body, rule.Key)
			if !result.Exists() {
				return reject("body field %q is required", rule.Key)
			}
			if !re.MatchString(result.String()) {
				return reject("body field %q does not match %q", rule.Key, rule.Pattern)
			}
		case RulePath:
			if !re.MatchString(path) {
				return reject("path %q does not match %q", path, rule.Pattern)
			}
		case RuleQuery:
			if !query.Has(rule.Key) {
				return reject("query parameter %q is required", rule.Key)
			}
			if !re.MatchString(query.Get(rule.Key)) {
				return reject("query parameter %q does not match %q", rule.Key, rule.Pattern)
			}
		default:
			return reject("unknown validation rule type %q", rule.Type)
		}
	}
	return nil
}
