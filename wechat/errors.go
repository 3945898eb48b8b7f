// Package wechat talks to the WeChat Official Account API: stable access
// tokens with single-flight refresh, image uploads, draft creation, and the
// bounded retry-on-auth-failure policy shared by the authenticated calls.
package wechat

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports a missing setting. It is fatal and never triggers a
// network call.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing setting: %s", e.Missing)
}

// ProviderError is an upstream rejection from the WeChat API. Code carries
// the errcode verbatim so the retry policy can recognize token failures.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("wechat: %s (errcode=%d)", e.Message, e.Code)
	}
	return "wechat: " + e.Message
}

// TransportError wraps a network-level failure. It is never retried here;
// collaborators own their transport retries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wechat: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Token-invalid errcodes: invalid credential, invalid access_token, missing
// access_token, access_token expired.
func isAuthError(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case 40001, 40014, 41001, 42001:
		return true
	}
	if pe.Code == 0 {
		msg := strings.ToLower(pe.Message)
		if strings.Contains(msg, "access_token") &&
			(strings.Contains(msg, "invalid") || strings.Contains(msg, "expired")) {
			return true
		}
	}
	return false
}
