package models

import "time"

// RetryPolicy governs intra-backend retry before failing over to the
// next backend in a chain.
type RetryPolicy struct {
	MaxRetries        int           `toml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `toml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `toml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `toml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the policy applied to chains that do not
// declare their own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// NextBackoff returns the delay before retry attempt n (0-based),
// capped at MaxBackoff.
func (p RetryPolicy) NextBackoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// ProviderChain is a named, ordered list of backends tried in
// sequence for one use case.
type ProviderChain struct {
	Name      string         `toml:"name" json:"name"`
	Providers []ProviderType `toml:"providers" json:"providers"`
	Retry     RetryPolicy    `toml:"retry" json:"retry"`

	// FailoverOnNonRetryable permits continuing to the next backend
	// after a non-retryable error instead of aborting the chain.
	FailoverOnNonRetryable bool `toml:"failover_on_non_retryable" json:"failover_on_non_retryable"`
}

// DefaultChainName selects the chain used when a use-case key is unknown.
const DefaultChainName = "default"

// DefaultProviderChain routes through every known backend with the
// default retry policy.
func DefaultProviderChain() ProviderChain {
	return ProviderChain{
		Name:      DefaultChainName,
		Providers: append([]ProviderType(nil), AllProviders...),
		Retry:     DefaultRetryPolicy(),
	}
}
