package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

type SQLStore struct {
	*sqlStore
}

// NewSQLStore opens (or creates) the SQLite database at path.
func NewSQLStore(path string, log logrus.FieldLogger) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn = "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// A single writer keeps transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("could not create migration driver: %w", err)
	}

	if err := runMigrations(driver, "sqlite3", log); err != nil {
		return nil, err
	}

	log.Info("Database connection and migration successful")
	return &SQLStore{sqlStore: newSQLStore(db, false)}, nil
}
