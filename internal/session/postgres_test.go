package session

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const testSessionID = "4f1d2c3b-5a69-4788-9a0b-1c2d3e4f5a6b"

var sessionColumns = []string{"id", "class_label", "subject_label", "token_ttl_seconds", "created_at", "closes_at", "ended_at"}

func newMockRepo(t *testing.T) (*PGRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New returned error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// The pgx name gives sqlx the $n bind style used in production.
	return NewPGRepository(sqlx.NewDb(db, "pgx")), mock
}

func verify(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func openSessionRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(sessionColumns).
		AddRow(testSessionID, "CSE-3A", "Networks", 60, now.Add(-time.Minute), now.Add(time.Hour), nil)
}

func testToken(value string, now time.Time) Token {
	return Token{Value: value, SessionID: testSessionID, IssuedAt: now, ExpiresAt: now.Add(time.Minute), Active: true}
}

func TestPGCreateSessionMapsTokenCollision(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_tokens")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "session_tokens_pkey"})
	mock.ExpectRollback()

	sess := Session{ID: testSessionID, ClassLabel: "CSE-3A", SubjectLabel: "Networks", TokenTTLSeconds: 60, CreatedAt: now, ClosesAt: now.Add(time.Hour)}
	err := repo.CreateSession(context.Background(), sess, testToken("aaaaaaaaaaaaaaaa", now))
	if !errors.Is(err, ErrTokenCollision) {
		t.Fatalf("expected ErrTokenCollision, got %v", err)
	}
	verify(t, mock)
}

func TestPGCreateSessionKeepsOtherUniqueViolations(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_tokens")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "session_tokens_one_active"})
	mock.ExpectRollback()

	sess := Session{ID: testSessionID, CreatedAt: now, ClosesAt: now.Add(time.Hour)}
	err := repo.CreateSession(context.Background(), sess, testToken("aaaaaaaaaaaaaaaa", now))
	if err == nil || errors.Is(err, ErrTokenCollision) {
		t.Fatalf("expected the raw unique violation, got %v", err)
	}
	verify(t, mock)
}

func TestPGGetSessionNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1")).
		WithArgs(testSessionID).
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	if _, err := repo.GetSession(context.Background(), testSessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	// Malformed ids never reach the database.
	if _, err := repo.GetSession(context.Background(), "not-a-uuid"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for malformed id, got %v", err)
	}
	verify(t, mock)
}

func TestPGFindToken(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	findQuery := regexp.QuoteMeta("JOIN sessions s ON s.id = t.session_id WHERE t.token = $1")

	t.Run("scans token and session", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(findQuery).
			WithArgs("bbbbbbbbbbbbbbbb").
			WillReturnRows(sqlmock.NewRows([]string{
				"token", "session_id", "issued_at", "expires_at", "active",
				"id", "class_label", "subject_label", "token_ttl_seconds", "created_at", "closes_at", "ended_at",
			}).AddRow(
				"bbbbbbbbbbbbbbbb", testSessionID, now, now.Add(time.Minute), true,
				testSessionID, "CSE-3A", "Networks", 60, now.Add(-time.Minute), now.Add(time.Hour), nil,
			))

		tok, sess, err := repo.FindToken(context.Background(), "bbbbbbbbbbbbbbbb")
		if err != nil {
			t.Fatalf("FindToken returned error: %v", err)
		}
		if tok.Value != "bbbbbbbbbbbbbbbb" || !tok.Active || !tok.ExpiresAt.Equal(now.Add(time.Minute)) {
			t.Fatalf("unexpected token %+v", tok)
		}
		if sess.ID != testSessionID || sess.TokenTTL() != time.Minute || sess.EndedAt != nil {
			t.Fatalf("unexpected session %+v", sess)
		}
		verify(t, mock)
	})

	t.Run("unknown token", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(findQuery).
			WithArgs("cccccccccccccccc").
			WillReturnRows(sqlmock.NewRows([]string{"token"}))

		if _, _, err := repo.FindToken(context.Background(), "cccccccccccccccc"); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("expected ErrTokenNotFound, got %v", err)
		}
		verify(t, mock)
	})
}

func TestPGActiveTokenNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM session_tokens WHERE session_id = $1 AND active")).
		WithArgs(testSessionID).
		WillReturnRows(sqlmock.NewRows([]string{"token", "session_id", "issued_at", "expires_at", "active"}))

	if _, err := repo.ActiveToken(context.Background(), testSessionID); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	verify(t, mock)
}

func TestPGRotateToken(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	lockQuery := regexp.QuoteMeta("FROM sessions WHERE id = $1 FOR UPDATE")

	t.Run("swaps under the session lock", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).WithArgs(testSessionID).WillReturnRows(openSessionRow(now))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE session_tokens SET active = FALSE WHERE session_id = $1 AND active")).
			WithArgs(testSessionID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_tokens")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := repo.RotateToken(context.Background(), testSessionID, testToken("dddddddddddddddd", now), now); err != nil {
			t.Fatalf("RotateToken returned error: %v", err)
		}
		verify(t, mock)
	})

	t.Run("closed session", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).WithArgs(testSessionID).WillReturnRows(
			sqlmock.NewRows(sessionColumns).
				AddRow(testSessionID, "CSE-3A", "Networks", 60, now.Add(-time.Hour), now.Add(time.Hour), now.Add(-time.Minute)))
		mock.ExpectRollback()

		err := repo.RotateToken(context.Background(), testSessionID, testToken("eeeeeeeeeeeeeeee", now), now)
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
		verify(t, mock)
	})

	t.Run("missing session", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).WithArgs(testSessionID).WillReturnRows(sqlmock.NewRows(sessionColumns))
		mock.ExpectRollback()

		err := repo.RotateToken(context.Background(), testSessionID, testToken("ffffffffffffffff", now), now)
		if !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
		verify(t, mock)
	})
}

func TestPGRotateIfStale(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	lockQuery := regexp.QuoteMeta("FROM sessions WHERE id = $1 FOR UPDATE")
	activeQuery := regexp.QuoteMeta("FROM session_tokens WHERE session_id = $1 AND active")
	tokenColumns := []string{"token", "session_id", "issued_at", "expires_at", "active"}

	t.Run("keeps a fresh token", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).WithArgs(testSessionID).WillReturnRows(openSessionRow(now))
		mock.ExpectQuery(activeQuery).WithArgs(testSessionID).WillReturnRows(
			sqlmock.NewRows(tokenColumns).AddRow("gggggggggggggggg", testSessionID, now.Add(-5*time.Second), now.Add(55*time.Second), true))
		mock.ExpectRollback()

		got, rotated, err := repo.RotateIfStale(context.Background(), testSessionID, testToken("hhhhhhhhhhhhhhhh", now), now, now.Add(-18*time.Second))
		if err != nil {
			t.Fatalf("RotateIfStale returned error: %v", err)
		}
		if rotated || got.Value != "gggggggggggggggg" {
			t.Fatalf("expected the fresh token kept, got %s rotated=%v", got.Value, rotated)
		}
		verify(t, mock)
	})

	t.Run("replaces a stale token", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).WithArgs(testSessionID).WillReturnRows(openSessionRow(now))
		mock.ExpectQuery(activeQuery).WithArgs(testSessionID).WillReturnRows(
			sqlmock.NewRows(tokenColumns).AddRow("gggggggggggggggg", testSessionID, now.Add(-30*time.Second), now.Add(30*time.Second), true))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE session_tokens SET active = FALSE")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_tokens")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		got, rotated, err := repo.RotateIfStale(context.Background(), testSessionID, testToken("hhhhhhhhhhhhhhhh", now), now, now.Add(-18*time.Second))
		if err != nil {
			t.Fatalf("RotateIfStale returned error: %v", err)
		}
		if !rotated || got.Value != "hhhhhhhhhhhhhhhh" {
			t.Fatalf("expected the next token, got %s rotated=%v", got.Value, rotated)
		}
		verify(t, mock)
	})
}

func TestPGEndSessionNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET ended_at = COALESCE(ended_at, $2)")).
		WithArgs(testSessionID, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := repo.EndSession(context.Background(), testSessionID, now); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	verify(t, mock)
}
