package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestParseScheme(t *testing.T) {
	tests := []struct {
		in      string
		want    Scheme
		wantErr bool
	}{
		{in: "roll", want: SchemeRoll},
		{in: " Subject ", want: SchemeSubject},
		{in: "email", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScheme(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseScheme(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseScheme(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMemoryResolveByRoll(t *testing.T) {
	ctx := context.Background()
	dir := NewMemory(SchemeRoll)
	a := dir.Add(Attendee{RollNumber: strPtr("2021CSE001"), LoginSubject: strPtr("auth0|alice"), Name: "Alice"})

	id, err := dir.Resolve(ctx, " 2021CSE001 ")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if id != a.ID {
		t.Fatalf("expected %s, got %s", a.ID, id)
	}
	if _, err := dir.Resolve(ctx, "auth0|alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected login subject to be unknown under roll scheme, got %v", err)
	}
	if _, err := dir.Resolve(ctx, "2021CSE999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryResolveBySubject(t *testing.T) {
	ctx := context.Background()
	dir := NewMemory(SchemeSubject)
	a := dir.Add(Attendee{RollNumber: strPtr("2021CSE001"), LoginSubject: strPtr("auth0|alice")})
	dir.Add(Attendee{RollNumber: strPtr("2021CSE002")})

	id, err := dir.Resolve(ctx, "auth0|alice")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if id != a.ID {
		t.Fatalf("expected %s, got %s", a.ID, id)
	}
	list, _ := dir.List(ctx)
	if len(list) != 1 {
		t.Fatalf("expected attendee without subject to be skipped, got %d entries", len(list))
	}
}

func TestLoadMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attendees.json")
	seed := `[
		{"attendee_id": "b1c7e3a0-0000-4000-8000-000000000002", "roll_number": "R2", "name": "Bob"},
		{"roll_number": "R1", "name": "Alice"}
	]`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	dir, err := LoadMemory(path, SchemeRoll)
	if err != nil {
		t.Fatalf("LoadMemory returned error: %v", err)
	}
	list, err := dir.List(context.Background())
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 2 || list[0].Name != "Alice" || list[1].ID != "b1c7e3a0-0000-4000-8000-000000000002" {
		t.Fatalf("unexpected list %+v", list)
	}

	if _, err := LoadMemory(filepath.Join(t.TempDir(), "missing.json"), SchemeRoll); err == nil {
		t.Fatal("expected error for missing seed file")
	}
}
