package outreach

import (
	"errors"
	"fmt"
)

// Capability names one of the three provider calls.
type Capability string

const (
	CapabilityResearch Capability = "research"
	CapabilityVerify   Capability = "verify"
	CapabilityCompose  Capability = "compose"
)

// TransientError marks a provider failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LimitedTransientError is retryable, but only ExtraRetries times regardless of the
// configured retry budget.
type LimitedTransientError struct {
	Err          error
	ExtraRetries int
}

func (e *LimitedTransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *LimitedTransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *LimitedTransientError) MaxExtraRetries() int {
	if e == nil {
		return 0
	}
	return e.ExtraRetries
}

// ProviderError is any failure returned by a capability provider, including timeouts.
type ProviderError struct {
	Capability Capability
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	return fmt.Sprintf("%s provider: %v", e.Capability, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ProviderFormatError reports provider output that could not be parsed into the expected
// structure. Adapters recover from it by wrapping the raw text.
type ProviderFormatError struct {
	Capability Capability
	Raw        string
	Err        error
}

func (e *ProviderFormatError) Error() string {
	if e == nil {
		return "provider format error"
	}
	return fmt.Sprintf("%s provider returned unparseable output: %v", e.Capability, e.Err)
}

func (e *ProviderFormatError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *LimitedTransientError
	return errors.As(err, &lte)
}
