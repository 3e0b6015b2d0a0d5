package errclass

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	pgUniqueViolation = "23505"
	pgSerialization   = "40001"
	pgDeadlock        = "40P01"
	pgAdminShutdown   = "57P01"
	pgConnectionClass = "08"
)

var transientRedisPrefixes = []string{"LOADING", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "BUSY"}

// Classifier maps an error to a Kind.
type Classifier func(error) Kind

// Classify returns the Kind of err. A nil error is Unclassified.
func Classify(err error) Kind {
	if err == nil {
		return Unclassified
	}

	if kind, ok := classifyOwn(err); ok {
		return kind
	}

	if kind, ok := classifyStores(err); ok {
		return kind
	}

	if isTransientTransport(err) {
		return Transient
	}

	return Unclassified
}

// IsRetryable reports whether err is Transient or RateLimited.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// IsConflict reports whether err means the effect already happened.
func IsConflict(err error) bool {
	return Classify(err) == Conflict
}

func classifyOwn(err error) (Kind, bool) {
	var marked *markedError
	if errors.As(err, &marked) {
		return marked.kind, true
	}

	if errors.Is(err, ErrLockContention) {
		return LockContention, true
	}

	var circuit *CircuitOpenError
	if errors.As(err, &circuit) {
		return CircuitOpen, true
	}

	var limited *RateLimitError
	if errors.As(err, &limited) {
		return RateLimited, true
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return Conflict, true
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return Permanent, true
	}

	var permission *PermissionError
	if errors.As(err, &permission) {
		return Permanent, true
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == 429 || status.Code >= 500:
			return Transient, true
		case status.Code >= 400:
			return Permanent, true
		}
	}

	return Unclassified, false
}

func classifyStores(err error) (Kind, bool) {
	if mongo.IsDuplicateKeyError(err) {
		return Conflict, true
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return Transient, true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation:
			return Conflict, true
		case pgErr.Code == pgSerialization, pgErr.Code == pgDeadlock, pgErr.Code == pgAdminShutdown,
			strings.HasPrefix(pgErr.Code, pgConnectionClass):
			return Transient, true
		default:
			return Permanent, true
		}
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Recover {
			return Transient, true
		}

		return Permanent, true
	}

	if errors.Is(err, amqp.ErrClosed) {
		return Transient, true
	}

	if errors.Is(err, redis.ErrPoolTimeout) || errors.Is(err, redis.ErrClosed) {
		return Transient, true
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, prefix := range transientRedisPrefixes {
			if strings.HasPrefix(msg, prefix) {
				return Transient, true
			}
		}
	}

	return Unclassified, false
}

func isTransientTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
