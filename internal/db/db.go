package db

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// Connect opens and pings a Postgres connection pool.
func Connect(postgresURL string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
