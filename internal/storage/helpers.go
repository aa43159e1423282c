package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// notFoundOr maps pgx.ErrNoRows to ErrNotFound and wraps anything else
func notFoundOr(err error, what, failure string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", failure, err)
}

// nullable turns an empty string into a SQL NULL
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
