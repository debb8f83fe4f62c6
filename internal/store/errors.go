package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/BartekS5/indexsync/internal/etl"
)

// IsTransient reports whether a failed write may succeed if repeated.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if etl.IsTransientNetworkError(err) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}
