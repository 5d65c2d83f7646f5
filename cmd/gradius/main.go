package main

import (
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gradius-project/gradius"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	databaseFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "database-driver",
			Value:   "sqlite",
			Usage:   "the credential store engine: sqlite, postgres or mysql",
			EnvVars: []string{"GRADIUS_DATABASE_DRIVER"},
		},
		&cli.StringFlag{
			Name:     "connection-string",
			Usage:    "database connection string, a file path for sqlite",
			EnvVars:  []string{"GRADIUS_CONNECTION_STRING"},
			Required: true,
		},
		&cli.BoolFlag{
			Name:    "debug",
			Value:   false,
			Usage:   "run server in debug mode",
			EnvVars: []string{"GRADIUS_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "minimum log level: debug, info, warn or error",
			EnvVars: []string{"GRADIUS_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-file",
			Usage:   "also write JSON logs to this file, rotated",
			EnvVars: []string{"GRADIUS_LOG_FILE"},
		},
	}

	app := cli.App{
		Name:        "gradius",
		Usage:       "session and WireGuard peer provisioning for G-Radius",
		Description: "Issues API sessions and provisions WireGuard peers over HTTPS.",
		Commands: []*cli.Command{
			{
				Name:        "initialize",
				Usage:       "sets up the database tables and the first administrator",
				Description: "migrates the database schema and makes sure the given administrator exists",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "admin-email",
						Usage:    "email of the bootstrap administrator",
						EnvVars:  []string{"GRADIUS_ADMIN_EMAIL"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "admin-password",
						Usage:    "password of the bootstrap administrator, used only when it is created",
						EnvVars:  []string{"GRADIUS_ADMIN_PASSWORD"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "admin-name",
						Value:   "Administrator",
						Usage:   "display name of the bootstrap administrator",
						EnvVars: []string{"GRADIUS_ADMIN_NAME"},
					},
					&cli.IntFlag{
						Name:    "bcrypt-cost",
						Value:   gradius.DefaultBcryptCost,
						Usage:   "bcrypt work factor for password hashes",
						EnvVars: []string{"GRADIUS_BCRYPT_COST"},
					},
				}, databaseFlags...),
				Action: actionInitialize,
			},
			{
				Name:        "serve",
				Usage:       "starts the web application",
				Description: "starts the web application",
				Flags:       append(serveFlags(), databaseFlags...),
				Action:      actionServe,
			},
			{
				Name:        "sweep-sessions",
				Usage:       "deletes expired sessions once and exits",
				Description: "deletes expired sessions, for running from cron when serve runs without a sweeper",
				Flags:       databaseFlags,
				Action:      actionSweepSessions,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	return gradius.NewLogger(gradius.LogConfig{
		Level: c.String("log-level"),
		Debug: c.Bool("debug"),
		File:  c.String("log-file"),
	})
}

func actionInitialize(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := openDatabase(c, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	err = database.Initialize()
	if err != nil {
		return err
	}

	// No session is issued during initialize, so the signing key is throwaway.
	signingKey := make([]byte, 32)
	if _, err := rand.Read(signingKey); err != nil {
		return err
	}
	authority, err := gradius.NewSessionAuthority(gradius.SessionAuthorityConfig{
		Database:   database,
		SigningKey: signingKey,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	accounts, err := gradius.NewAccountService(gradius.AccountServiceConfig{
		Database:   database,
		Sessions:   authority,
		BcryptCost: c.Int("bcrypt-cost"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	admin, created, err := accounts.EnsureAdmin(c.Context, c.String("admin-email"), c.String("admin-password"), c.String("admin-name"))
	if err != nil {
		return err
	}
	if created {
		logger.Info("administrator created", zap.Uint("principal_id", admin.ID), zap.String("email", admin.Email))
	} else {
		logger.Info("administrator already exists", zap.Uint("principal_id", admin.ID), zap.String("email", admin.Email))
	}
	return nil
}

func actionSweepSessions(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := openDatabase(c, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	removed, err := database.DeleteExpiredSessions(c.Context, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep sessions: %w", err)
	}
	logger.Info("expired sessions removed", zap.Int64("count", removed))
	return nil
}
