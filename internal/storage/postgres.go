package storage

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type PostgresStore struct {
	*sqlStore
}

func NewPostgresStore(databaseURL string, log logrus.FieldLogger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("could not create migration driver: %w", err)
	}

	if err := runMigrations(driver, "postgres", log); err != nil {
		return nil, err
	}

	log.Info("Database connection and migration successful")
	return &PostgresStore{sqlStore: newSQLStore(db, true)}, nil
}
