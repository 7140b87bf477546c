// Package reconnect decides when a failing subscribe loop retries and when it gives up.
package reconnect

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/relay/errs"
)

const (
	// DefaultLinearDelay is the fixed retry delay of the linear policy.
	DefaultLinearDelay = 2 * time.Second
	// DefaultLinearMaxRetries bounds linear retries when none are configured.
	DefaultLinearMaxRetries = 10
	// DefaultBase is the first exponential delay.
	DefaultBase = time.Second
	// DefaultCap bounds exponential delays.
	DefaultCap = 30 * time.Second
	// DefaultJitter is the relative randomisation window of exponential delays.
	DefaultJitter = 0.2
	// DefaultExponentialMaxRetries bounds exponential retries when none are configured.
	DefaultExponentialMaxRetries = 6

	// maxDoublings stops the interval walk once any base has reached any cap.
	maxDoublings = 62
)

// Policy computes the delay before the given attempt. attempt counts consecutive failures
// starting at 1. A false second result means give up.
type Policy interface {
	NextDelay(attempt uint, lastErr error) (time.Duration, bool)
	Name() string
}

// Linear retries after a fixed delay.
type Linear struct {
	Delay      time.Duration
	MaxRetries uint
	Unlimited  bool
}

// NewLinear constructs a linear policy; zero values fall back to defaults.
func NewLinear(delay time.Duration, maxRetries uint, unlimited bool) Linear {
	if delay <= 0 {
		delay = DefaultLinearDelay
	}
	if maxRetries == 0 {
		maxRetries = DefaultLinearMaxRetries
	}
	return Linear{Delay: delay, MaxRetries: maxRetries, Unlimited: unlimited}
}

// Name identifies the policy in logs and metrics.
func (Linear) Name() string { return "linear" }

// NextDelay implements Policy.
func (p Linear) NextDelay(attempt uint, lastErr error) (time.Duration, bool) {
	if giveUp(attempt, lastErr, p.MaxRetries, p.Unlimited) {
		return 0, false
	}
	return backoff.NewConstantBackOff(p.Delay).NextBackOff(), true
}

// Exponential doubles the delay on every attempt up to Cap, randomised by ±Jitter.
type Exponential struct {
	Base       time.Duration
	Cap        time.Duration
	Jitter     float64
	MaxRetries uint
	Unlimited  bool
}

// NewExponential constructs an exponential policy; zero values fall back to defaults.
// A negative jitter disables randomisation.
func NewExponential(base, capDelay time.Duration, jitter float64, maxRetries uint, unlimited bool) Exponential {
	if base <= 0 {
		base = DefaultBase
	}
	if capDelay <= 0 {
		capDelay = DefaultCap
	}
	if capDelay < base {
		capDelay = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if maxRetries == 0 {
		maxRetries = DefaultExponentialMaxRetries
	}
	return Exponential{Base: base, Cap: capDelay, Jitter: jitter, MaxRetries: maxRetries, Unlimited: unlimited}
}

// Name identifies the policy in logs and metrics.
func (Exponential) Name() string { return "exponential" }

// NextDelay implements Policy. Attempt n waits min(Base*2^(n-1), Cap) ± Jitter.
func (p Exponential) NextDelay(attempt uint, lastErr error) (time.Duration, bool) {
	if giveUp(attempt, lastErr, p.MaxRetries, p.Unlimited) {
		return 0, false
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Cap,
	}
	b.Reset()
	var steps uint
	if attempt > 1 {
		steps = attempt - 1
	}
	if steps > maxDoublings {
		steps = maxDoublings
	}
	for i := uint(0); i < steps; i++ {
		b.NextBackOff()
	}
	// Only the final interval is randomised so the walk above stays deterministic.
	b.RandomizationFactor = p.Jitter
	return b.NextBackOff(), true
}

// Bounds returns the jitter window for the given attempt.
func (p Exponential) Bounds(attempt uint) (time.Duration, time.Duration) {
	nominal := p.Base
	for i := uint(1); i < attempt && nominal < p.Cap; i++ {
		nominal *= 2
	}
	if nominal > p.Cap {
		nominal = p.Cap
	}
	delta := time.Duration(p.Jitter * float64(nominal))
	return nominal - delta - 1, nominal + delta + 1
}

func giveUp(attempt uint, lastErr error, maxRetries uint, unlimited bool) bool {
	if lastErr != nil && !errs.Retryable(lastErr) {
		return true
	}
	if unlimited {
		return false
	}
	return attempt > maxRetries
}

// Config selects and parameterises a policy.
type Config struct {
	Policy     string        `yaml:"policy"`
	Delay      time.Duration `yaml:"delay"`
	Base       time.Duration `yaml:"base"`
	Cap        time.Duration `yaml:"cap"`
	Jitter     float64       `yaml:"jitter"`
	MaxRetries uint          `yaml:"maxRetries"`
	Unlimited  bool          `yaml:"unlimited"`
}

// FromConfig builds the policy named by cfg.Policy.
func FromConfig(cfg Config) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Policy)) {
	case "linear":
		return NewLinear(cfg.Delay, cfg.MaxRetries, cfg.Unlimited), nil
	case "", "exponential":
		return NewExponential(cfg.Base, cfg.Cap, cfg.Jitter, cfg.MaxRetries, cfg.Unlimited), nil
	default:
		return nil, errs.New("reconnect/policy", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown reconnect policy %q", cfg.Policy)))
	}
}
