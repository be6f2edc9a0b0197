// Package directory resolves the identifier an attendee presents (a roll
// number or a login subject) to the stable internal attendee id.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound means the directory answered and has no such attendee. Any
// other error from Resolve is a lookup failure worth retrying.
var ErrNotFound = errors.New("attendee not found")

// Scheme selects which external reference the directory is keyed by.
type Scheme string

const (
	SchemeRoll    Scheme = "roll"
	SchemeSubject Scheme = "subject"
)

// ParseScheme validates a configured scheme name.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case SchemeRoll:
		return SchemeRoll, nil
	case SchemeSubject:
		return SchemeSubject, nil
	}
	return "", fmt.Errorf("unknown directory scheme %q", s)
}

// Attendee is a person who can be marked present.
type Attendee struct {
	ID           string    `db:"id" json:"attendee_id"`
	RollNumber   *string   `db:"roll_number" json:"roll_number,omitempty"`
	LoginSubject *string   `db:"login_subject" json:"login_subject,omitempty"`
	Name         string    `db:"name" json:"name"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Ref returns the attendee's reference under scheme, or "" if unset.
func (a Attendee) Ref(scheme Scheme) string {
	var p *string
	if scheme == SchemeSubject {
		p = a.LoginSubject
	} else {
		p = a.RollNumber
	}
	if p == nil {
		return ""
	}
	return *p
}

// Resolver maps an external reference to an attendee id.
type Resolver interface {
	Resolve(ctx context.Context, externalRef string) (string, error)
}

// Directory is a read-only attendee lookup.
type Directory interface {
	Resolver
	Get(ctx context.Context, externalRef string) (Attendee, error)
	List(ctx context.Context) ([]Attendee, error)
}

func normalize(ref string) string {
	return strings.TrimSpace(ref)
}
