package observe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/repository"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperror.Kind
	}{
		{"stale", fmt.Errorf("update milestone: %w", repository.ErrStale), apperror.KindConflict},
		{"serialization", repository.ErrConflict, apperror.KindConflict},
		{"duplicate", repository.ErrDuplicate, apperror.KindConflict},
		{"not found", repository.ErrNotFound, apperror.KindNotFound},
		{"typed", apperror.InvalidTransition("nope"), apperror.KindInvalidTransition},
		{"other", errors.New("disk on fire"), apperror.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperror.KindOf(Translate(tt.err)))
		})
	}
	assert.NoError(t, Translate(nil))
}

func TestBeginRewritesError(t *testing.T) {
	run := func() (err error) {
		_, done := Begin(context.Background(), zap.NewNop(), "test", "run", authz.Actor{UserID: 1, Role: authz.RoleAdmin})
		defer done(&err)
		return repository.ErrStale
	}
	err := run()
	assert.True(t, apperror.Is(err, apperror.KindConflict))
	assert.ErrorIs(t, err, repository.ErrStale)
}
