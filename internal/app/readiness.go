package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface of a backing store capable of Ping.
// Both pgxpool.Pool and the cache.Redis wrapper satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the database and redis probes served by
// /readyz. A nil store fails its probe.
func BuildReadinessChecks(db, rdb Pinger) (func(context.Context) error, func(context.Context) error) {
	dbCheck := func(ctx context.Context) error {
		if db == nil {
			return fmt.Errorf("db not configured")
		}
		return db.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx)
	}
	return dbCheck, redisCheck
}
