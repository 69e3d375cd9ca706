package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/internal/metrics"
)

// DAO is the contract shared by the entity DAOs. GetByID returns (nil, nil)
// when no row exists. Delete reports whether a row was removed.
type DAO[T any, ID comparable, F any] interface {
	GetByID(ctx context.Context, id ID) (*T, error)
	GetAll(ctx context.Context, filter F) ([]*T, error)
	Save(ctx context.Context, v *T) (*T, error)
	Update(ctx context.Context, v *T) (*T, error)
	Delete(ctx context.Context, id ID) (bool, error)
}

// base carries what every DAO needs: the pool and a logger.
type base struct {
	pool   *Pool
	log    *zap.Logger
	entity string
}

func newBase(pool *Pool, log *zap.Logger, entity string) base {
	return base{pool: pool, log: logging.OrNop(log).With(zap.String("dao", entity)), entity: entity}
}

// fail classifies err, logs it and wraps it in a *DAOError. Errors that are
// already DAOErrors pass through unchanged.
func (b base) fail(op string, err error, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	var de *DAOError
	if errors.As(err, &de) {
		return err
	}

	op = b.entity + "." + op
	err = classify(err)
	fields = append(fields, zap.String("op", op), zap.Error(err))
	if expected(err) {
		b.log.Debug("dao operation rejected", fields...)
	} else {
		b.log.Error("dao operation failed", fields...)
		metrics.DAOErrors.WithLabelValues(op).Inc()
	}
	return &DAOError{Op: op, Err: errors.WithStack(err)}
}

func (b base) unsupported(op string) error {
	return b.fail(op, &UnsupportedOperationError{Entity: b.entity, Operation: op})
}
