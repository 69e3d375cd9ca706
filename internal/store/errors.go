package store

import (
	"context"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrDuplicateKey       = errors.New("duplicate key violation")
	ErrInvalidRecord      = errors.New("record violates a table constraint")
	ErrStatusConflict     = errors.New("job status changed concurrently")
	ErrProgressRegression = errors.New("progress cannot decrease")
	ErrNotRunning         = errors.New("job is not running")

	// ErrConnection matches every *ConnectionError.
	ErrConnection         = errors.New("storage connection error")
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnsupported matches every *UnsupportedOperationError.
	ErrUnsupported = errors.New("operation not supported")
)

// DAOError is returned by every DAO method that fails. Op names the method,
// e.g. "jobs.Save".
type DAOError struct {
	Op  string
	Err error
}

func (e *DAOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DAOError) Unwrap() error { return e.Err }

// ConnectionError reports that no usable connection could be obtained.
// Kind is ErrPoolExhausted or ErrStorageUnavailable.
type ConnectionError struct {
	Kind error
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection || target == e.Kind
}

// UnsupportedOperationError is returned for writes an entity does not allow,
// such as updating an immutable annotation.
type UnsupportedOperationError struct {
	Entity    string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s %s is not supported", e.Entity, e.Operation)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupported
}

// IsRetryable reports whether err is a transient connection failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsNotFound reports whether err means the requested row (or its parent) is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classify maps driver errors onto the package's sentinels so that callers
// never need to inspect pgx types.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return errors.Wrapf(ErrDuplicateKey, "constraint %s", pgErr.ConstraintName)
		case pgErr.Code == pgerrcode.ForeignKeyViolation:
			return errors.Wrapf(ErrNotFound, "constraint %s", pgErr.ConstraintName)
		case pgErr.Code == pgerrcode.CheckViolation,
			pgErr.Code == pgerrcode.NotNullViolation,
			pgErr.Code == pgerrcode.InvalidTextRepresentation,
			pgErr.Code == pgerrcode.NumericValueOutOfRange:
			return errors.Wrapf(ErrInvalidRecord, "%s", pgErr.Message)
		case pgErr.Code == pgerrcode.TooManyConnections:
			return &ConnectionError{Kind: ErrPoolExhausted, Err: errors.New(pgErr.Message)}
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code):
			return &ConnectionError{Kind: ErrStorageUnavailable, Err: errors.New(pgErr.Message)}
		}
		return errors.Newf("postgres error %s: %s", pgErr.Code, pgErr.Message)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) {
		return &ConnectionError{Kind: ErrStorageUnavailable, Err: err}
	}
	return err
}

// expected reports errors that are part of normal operation and are logged
// at debug level rather than as failures.
func expected(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrStatusConflict) ||
		errors.Is(err, ErrProgressRegression) ||
		errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, context.Canceled)
}
