package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradewise/gradewise-api/internal/job"
)

// deterministicPolicy mirrors DefaultPolicy with jitter disabled so delay
// assertions are exact.
func deterministicPolicy() *Policy {
	p := DefaultPolicy()
	p.JitterFraction = 0
	return p
}

func TestDecideTransientBackoffSchedule(t *testing.T) {
	t.Parallel()

	p := deterministicPolicy()

	want := []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		48 * time.Second,
	}
	for attempt, expected := range want {
		d := p.Decide(job.ClassTransient, attempt, job.TypeScoreEssay)
		require.True(t, d.Retry, "attempt %d should retry", attempt)
		assert.Equal(t, expected, d.Delay, "attempt %d", attempt)
	}
}

func TestDecideDelayClampsAtMax(t *testing.T) {
	t.Parallel()

	p := &Policy{
		Default: Bounds{
			MaxRetries: 10,
			BaseDelay:  3 * time.Second,
			MaxDelay:   300 * time.Second,
		},
		JitterFraction: 0.1,
	}

	// 3s * 2^7 = 384s, above the cap. The clamp must be exact even with
	// jitter enabled, because jitter applies before clamping.
	d := p.Decide(job.ClassTransient, 7, job.TypeScoreEssay)
	require.True(t, d.Retry)
	assert.Equal(t, 300*time.Second, d.Delay)
}

func TestDecideJitterStaysWithinBand(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()

	for i := 0; i < 200; i++ {
		d := p.Decide(job.ClassTransient, 1, job.TypeRescoreBatch)
		require.True(t, d.Retry)
		// Base 3s, attempt 1 => 6s nominal, ±10% jitter.
		nominal := float64(6 * time.Second)
		assert.GreaterOrEqual(t, d.Delay, time.Duration(nominal*0.9))
		assert.LessOrEqual(t, d.Delay, time.Duration(nominal*1.1))
	}
}

func TestDecideNonRetriableClasses(t *testing.T) {
	t.Parallel()

	p := deterministicPolicy()

	for _, class := range []job.FailureClass{job.ClassValidation, job.ClassLogic, job.ClassNotFound} {
		for attempt := 0; attempt < 3; attempt++ {
			d := p.Decide(class, attempt, job.TypeScoreEssay)
			assert.False(t, d.Retry, "class %s attempt %d", class, attempt)
			assert.Zero(t, d.Delay)
		}
	}
}

func TestDecideUnknownRetriesExactlyOnce(t *testing.T) {
	t.Parallel()

	p := deterministicPolicy()

	first := p.Decide(job.ClassUnknown, 0, job.TypeScoreEssay)
	assert.True(t, first.Retry)
	assert.Equal(t, 3*time.Second, first.Delay)

	second := p.Decide(job.ClassUnknown, 1, job.TypeScoreEssay)
	assert.False(t, second.Retry)
}

func TestDecideRespectsMaxRetries(t *testing.T) {
	t.Parallel()

	p := deterministicPolicy()

	// Default ceiling is 3; rescore_batch has no override.
	assert.True(t, p.Decide(job.ClassTransient, 2, job.TypeRescoreBatch).Retry)
	assert.False(t, p.Decide(job.ClassTransient, 3, job.TypeRescoreBatch).Retry)

	// score_essay raises the ceiling to 5.
	assert.True(t, p.Decide(job.ClassTransient, 4, job.TypeScoreEssay).Retry)
	assert.False(t, p.Decide(job.ClassTransient, 5, job.TypeScoreEssay).Retry)
}

func TestEffectiveBoundsStrictClassMerge(t *testing.T) {
	t.Parallel()

	p := &Policy{
		Default: Bounds{
			MaxRetries: 5,
			BaseDelay:  2 * time.Second,
			MaxDelay:   time.Minute,
		},
		PerType: map[job.Type]Bounds{
			job.TypeScoreEssay: {MaxRetries: 8, BaseDelay: 4 * time.Second},
		},
		PerClass: map[job.FailureClass]Bounds{
			job.ClassTransient: {MaxRetries: 6, BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second},
		},
	}

	bounds := p.effectiveBounds(job.ClassTransient, job.TypeScoreEssay)

	// Class ceiling 6 is stricter than the type's 8.
	assert.Equal(t, 6, bounds.MaxRetries)
	// Type base delay 4s is larger than the class's 3s, so it stands.
	assert.Equal(t, 4*time.Second, bounds.BaseDelay)
	// Class delay cap 30s is tighter than the default minute.
	assert.Equal(t, 30*time.Second, bounds.MaxDelay)
}

func TestMergeTypeOverrideReplacesNonZeroFields(t *testing.T) {
	t.Parallel()

	base := Bounds{MaxRetries: 3, BaseDelay: 3 * time.Second, MaxDelay: 5 * time.Minute}
	merged := merge(base, Bounds{MaxRetries: 7})

	assert.Equal(t, 7, merged.MaxRetries)
	assert.Equal(t, 3*time.Second, merged.BaseDelay)
	assert.Equal(t, 5*time.Minute, merged.MaxDelay)
}
