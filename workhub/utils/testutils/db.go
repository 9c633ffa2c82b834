package testutils

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/krew-solutions/workhub-go/workhub/session"
	pgxsession "github.com/krew-solutions/workhub-go/workhub/session/pgx"
)

// NewPgxSessionPool opens a pgxpool.Pool from DB_* environment variables
// (falling back to local developer defaults) and wraps it in a
// session.SessionPool, the way a host application wires the store.
func NewPgxSessionPool() (session.SessionPool, error) {
	dbUsername := getEnv("DB_USERNAME", "devel")
	dbPassword := getEnv("DB_PASSWORD", "devel")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "devel_workhub")

	connString := "postgres://" + dbUsername + ":" + dbPassword + "@" + dbHost + ":" + dbPort + "/" + dbName

	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, err
	}

	return pgxsession.NewSessionPool(pool), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
