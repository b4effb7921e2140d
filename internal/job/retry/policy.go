// Package retry implements the retry policy engine: a pure decision
// function that, given a failure class and attempt count, decides whether
// to retry and with what backoff delay. It performs no I/O so it is unit
// testable without a broker.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/gradewise/gradewise-api/internal/job"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Bounds are the tunable limits of the backoff schedule. Zero fields mean
// "no override" when used as a per-type or per-class entry.
type Bounds struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Policy decides retries from an explicit table: defaults, per-job-type
// overrides, and per-failure-class overrides. When both a type and a class
// entry bound the same knob, the stricter bound wins: the smaller retry
// ceiling, the larger base delay, the smaller delay cap. An override is
// never silently ignored.
type Policy struct {
	Default  Bounds
	PerType  map[job.Type]Bounds
	PerClass map[job.FailureClass]Bounds

	// JitterFraction perturbs computed delays by ±fraction (e.g. 0.1 for
	// ±10%) to avoid thundering-herd retries. Zero disables jitter, which
	// also makes Decide fully deterministic.
	JitterFraction float64
}

// DefaultPolicy returns the production policy: 3 retries by default, the
// scoring job type gets a higher ceiling because the scoring collaborator
// has a higher transient-failure likelihood.
func DefaultPolicy() *Policy {
	return &Policy{
		Default: Bounds{
			MaxRetries: 3,
			BaseDelay:  3 * time.Second,
			MaxDelay:   5 * time.Minute,
		},
		PerType: map[job.Type]Bounds{
			job.TypeScoreEssay: {MaxRetries: 5},
		},
		JitterFraction: 0.1,
	}
}

// Decide evaluates the policy for one failure.
//
//   - Validation, logic, and not-found classes never retry.
//   - Transient failures retry while attemptCount < the effective max.
//   - Unknown failures retry exactly once (attemptCount == 0).
//
// The delay is min(base * 2^attempt, max), jittered before clamping so the
// cap is exact.
func (p *Policy) Decide(class job.FailureClass, attemptCount int, jobType job.Type) Decision {
	bounds := p.effectiveBounds(class, jobType)

	switch class {
	case job.ClassValidation, job.ClassLogic, job.ClassNotFound:
		return Decision{Retry: false}
	case job.ClassTransient:
		if attemptCount >= bounds.MaxRetries {
			return Decision{Retry: false}
		}
	case job.ClassUnknown:
		if attemptCount != 0 {
			return Decision{Retry: false}
		}
	default:
		return Decision{Retry: false}
	}

	return Decision{Retry: true, Delay: p.delay(bounds, attemptCount)}
}

// delay computes the exponential backoff for the given attempt.
func (p *Policy) delay(bounds Bounds, attemptCount int) time.Duration {
	backoff := float64(bounds.BaseDelay) * math.Pow(2, float64(attemptCount))

	if p.JitterFraction > 0 {
		// Uniform in [1-f, 1+f]. The package-level source is safe for
		// concurrent use by the worker pool.
		factor := 1 - p.JitterFraction + rand.Float64()*2*p.JitterFraction
		backoff *= factor
	}

	d := time.Duration(backoff)
	if bounds.MaxDelay > 0 && d > bounds.MaxDelay {
		d = bounds.MaxDelay
	}
	return d
}

// effectiveBounds merges the default bounds with the per-type and
// per-class entries. For each knob the strictest value wins.
func (p *Policy) effectiveBounds(class job.FailureClass, jobType job.Type) Bounds {
	bounds := p.Default

	if override, ok := p.PerType[jobType]; ok {
		bounds = merge(bounds, override)
	}
	if override, ok := p.PerClass[class]; ok {
		bounds = mergeStrict(bounds, override)
	}
	return bounds
}

// merge applies a per-type override on top of the defaults: any non-zero
// field replaces the default.
func merge(base, override Bounds) Bounds {
	if override.MaxRetries != 0 {
		base.MaxRetries = override.MaxRetries
	}
	if override.BaseDelay != 0 {
		base.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay != 0 {
		base.MaxDelay = override.MaxDelay
	}
	return base
}

// mergeStrict applies a per-class entry: the tighter retry ceiling, the
// larger base delay, and the tighter delay cap win over what the type-level
// bounds arrived at.
func mergeStrict(base, override Bounds) Bounds {
	if override.MaxRetries != 0 && override.MaxRetries < base.MaxRetries {
		base.MaxRetries = override.MaxRetries
	}
	if override.BaseDelay > base.BaseDelay {
		base.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay != 0 && (base.MaxDelay == 0 || override.MaxDelay < base.MaxDelay) {
		base.MaxDelay = override.MaxDelay
	}
	return base
}
