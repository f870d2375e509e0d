package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
)

const maxConnectDelay = 30 * time.Second

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := openPool(databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// OpenLenient pings with doubling backoff but hands back the pool even when
// Postgres never answers, so the service can start in degraded mode and the
// pool reconnects on its own later. reachable reports the last ping result.
func OpenLenient(ctx context.Context, databaseURL string, attempts int, delay time.Duration, logger logrus.FieldLogger) (db *sql.DB, reachable bool, err error) {
	db, err = openPool(databaseURL)
	if err != nil {
		return nil, false, err
	}
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		pingErr := db.PingContext(ctx)
		if pingErr == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("postgres connected")
			}
			return db, true, nil
		}
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   pingErr.Error(),
		}).Warn("postgres ping failed")
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return db, false, nil
		case <-timer.C:
		}
		delay *= 2
		if delay > maxConnectDelay {
			delay = maxConnectDelay
		}
	}
	return db, false, nil
}

func openPool(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)
	return db, nil
}
