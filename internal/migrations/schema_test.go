package migrations

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	src, err := iofs.New(sqlFS, "sql")
	if err != nil {
		t.Fatalf("open embedded migrations: %v", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		t.Fatalf("expected at least one migration: %v", err)
	}
	for {
		up, _, err := src.ReadUp(v)
		if err != nil {
			t.Fatalf("version %d has no up migration: %v", v, err)
		}
		up.Close()
		down, _, err := src.ReadDown(v)
		if err != nil {
			t.Fatalf("version %d has no down migration: %v", v, err)
		}
		down.Close()

		next, err := src.Next(v)
		if err != nil {
			break
		}
		v = next
	}
}

func TestInitialSchemaGuardsSingleActiveSubscription(t *testing.T) {
	src, err := iofs.New(sqlFS, "sql")
	if err != nil {
		t.Fatalf("open embedded migrations: %v", err)
	}
	defer src.Close()

	r, _, err := src.ReadUp(1)
	if err != nil {
		t.Fatalf("read initial migration: %v", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	sql := string(body)
	for _, want := range []string{"user_subscriptions_one_active_idx", "WHERE is_active", "token_hash TEXT NOT NULL UNIQUE", "payments_status_created_idx"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("initial migration missing %q", want)
		}
	}
}

func TestIsDirty(t *testing.T) {
	if !IsDirty(fmt.Errorf("migrations: apply: %w", migrate.ErrDirty{Version: 3})) {
		t.Fatal("expected wrapped ErrDirty to be detected")
	}
	if IsDirty(errors.New("connection refused")) {
		t.Fatal("unexpected dirty classification")
	}
}
