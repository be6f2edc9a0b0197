package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PGDirectory looks attendees up in the attendees table by the column the
// configured scheme names.
type PGDirectory struct {
	db     *sqlx.DB
	scheme Scheme
	column string
}

// NewPGDirectory creates a directory over db.
func NewPGDirectory(db *sqlx.DB, scheme Scheme) *PGDirectory {
	column := "roll_number"
	if scheme == SchemeSubject {
		column = "login_subject"
	}
	return &PGDirectory{db: db, scheme: scheme, column: column}
}

func (d *PGDirectory) Resolve(ctx context.Context, externalRef string) (string, error) {
	ref := normalize(externalRef)
	if ref == "" {
		return "", ErrNotFound
	}
	var id string
	err := d.db.GetContext(ctx, &id, `SELECT id FROM attendees WHERE `+d.column+` = $1`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve attendee: %w", err)
	}
	return id, nil
}

func (d *PGDirectory) Get(ctx context.Context, externalRef string) (Attendee, error) {
	ref := normalize(externalRef)
	if ref == "" {
		return Attendee{}, ErrNotFound
	}
	var a Attendee
	err := d.db.GetContext(ctx, &a, `
		SELECT id, roll_number, login_subject, name, created_at
		FROM attendees WHERE `+d.column+` = $1
	`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return Attendee{}, ErrNotFound
	}
	return a, err
}

func (d *PGDirectory) List(ctx context.Context) ([]Attendee, error) {
	attendees := make([]Attendee, 0)
	err := d.db.SelectContext(ctx, &attendees, `
		SELECT id, roll_number, login_subject, name, created_at
		FROM attendees
		ORDER BY `+d.column+` NULLS LAST, created_at
	`)
	return attendees, err
}

var _ Directory = (*PGDirectory)(nil)
