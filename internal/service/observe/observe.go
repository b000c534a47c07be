// Package observe wraps service operations with a span, a transition metric
// and error logging, and maps store errors onto apperror kinds.
package observe

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"escrowflow/internal/apperror"
	"escrowflow/internal/authz"
	"escrowflow/internal/repository"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/otel"
)

// Begin opens a span named component.action. The returned func must be
// deferred with a pointer to the operation's named error: it translates the
// error and records the outcome.
func Begin(ctx context.Context, log *zap.Logger, component, action string, actor authz.Actor) (context.Context, func(*error)) {
	ctx, span := otel.StartSpan(ctx, component+"."+action)
	return ctx, func(errp *error) {
		err := Translate(*errp)
		*errp = err

		result := "ok"
		if err != nil {
			kind := apperror.KindOf(err)
			result = string(kind)
			l := logger.WithTrace(ctx, log).With(
				zap.String("action", action),
				zap.Int64("actor_id", actor.UserID),
				zap.String("role", string(actor.Role)),
				zap.String("error_kind", string(kind)),
				zap.Error(err),
			)
			if kind == apperror.KindInternal {
				l.Error("Action failed")
			} else {
				l.Warn("Action rejected")
			}
		}
		metrics.RecordTransition(action, result)
		otel.End(span, err)
	}
}

// Translate maps repository sentinels onto apperror kinds. Errors that are
// already typed pass through; anything else is internal.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrStale), errors.Is(err, repository.ErrConflict):
		return apperror.Wrap(apperror.KindConflict, err, "the record was changed concurrently; re-fetch and retry")
	case errors.Is(err, repository.ErrDuplicate):
		return apperror.Wrap(apperror.KindConflict, err, "a conflicting record already exists")
	case errors.Is(err, repository.ErrNotFound):
		return apperror.Wrap(apperror.KindNotFound, err, "record not found")
	}
	return apperror.Wrap(apperror.KindInternal, err, "internal error")
}
