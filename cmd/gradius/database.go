package main

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gradius-project/gradius"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const databaseConnectAttempts = 15

// openDatabase connects to the configured store, retrying while it comes up.
func openDatabase(c *cli.Context, logger *zap.Logger) (gradius.Database, error) {
	driver := c.String("database-driver")
	connectionString := c.String("connection-string")

	var database gradius.Database
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		database, err = connect(driver, connectionString)
		if err != nil {
			logger.Warn("database not ready",
				zap.String("driver", driver),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, databaseConnectAttempts-1), c.Context))
	if err != nil {
		return nil, err
	}
	logger.Info("database connected", zap.String("driver", driver))
	return database, nil
}

func connect(driver, connectionString string) (gradius.Database, error) {
	switch driver {
	case "sqlite":
		return gradius.NewSQLiteDatabase(connectionString)
	case "postgres":
		return gradius.NewPostgresDatabase(connectionString)
	case "mysql":
		return gradius.NewMySQLDatabase(connectionString)
	}
	return nil, backoff.Permanent(fmt.Errorf("--database-driver must be sqlite, postgres or mysql, got %v", driver))
}
