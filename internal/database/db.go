// Package database opens the MySQL pool backing rooms, messages,
// reactions and read receipts.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Open connects to MySQL and verifies the connection before the hub
// starts accepting sockets. utf8mb4 is required: message content and
// reaction emoji are full unicode. parseTime maps DATETIME columns to
// time.Time and loc=UTC keeps CreatedAt/EditedAt consistent with the
// hub's own clock.
func Open(user, pass, host, port, name string) (*sql.DB, error) {
	auth := user
	if pass != "" {
		auth = fmt.Sprintf("%s:%s", user, pass)
	}
	dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, host, port, name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	// Message fan-in is write-heavy but each statement is tiny; a
	// modest pool keeps head-of-line blocking away from the hub's
	// suspension points without starving MySQL of connections.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}
