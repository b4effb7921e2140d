package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreErrorWrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := NewStoreError("job", "create", "insert failed", cause)

	assert.EqualError(t, err, "create operation on job failed: insert failed: connection reset")
	assert.ErrorIs(t, err, cause)

	var storeErr *StoreError
	assert.ErrorAs(t, fmt.Errorf("submitting: %w", err), &storeErr)
	assert.Equal(t, "job", storeErr.Entity)
	assert.Equal(t, "create", storeErr.Operation)
}

func TestStoreErrorWithoutCause(t *testing.T) {
	t.Parallel()

	err := NewStoreError("essay", "update", "no rows affected", nil)
	assert.EqualError(t, err, "update operation on essay failed: no rows affected")
}

func TestErrorClassificationHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDuplicateError(ErrJobExists))
	assert.True(t, IsDuplicateError(fmt.Errorf("create: %w", ErrJobExists)))
	assert.False(t, IsDuplicateError(ErrJobNotFound))

	assert.True(t, IsNotFoundError(ErrEssayNotFound))
	assert.False(t, IsNotFoundError(ErrUpdateFailed))
}

func TestTransactionSentinelSurvivesWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("broken pipe")
	err := fmt.Errorf("%w: commit: %w", ErrTransactionFailed, cause)

	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.ErrorIs(t, err, cause)
}
