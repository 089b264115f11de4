package linkstore

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "links.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUnknownAccountDefaultsLinked(t *testing.T) {
	s := testStore(t)

	linked, identity, err := s.Linked("telegram", "default")
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if !linked {
		t.Error("account without a record should default to linked")
	}
	if identity != "" {
		t.Errorf("identity = %q, want empty", identity)
	}
}

func TestMarkAndClearLink(t *testing.T) {
	s := testStore(t)

	if err := s.MarkLinked("whatsapp", "default", "+15551234567"); err != nil {
		t.Fatalf("MarkLinked: %v", err)
	}
	linked, identity, err := s.Linked("whatsapp", "default")
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if !linked || identity != "+15551234567" {
		t.Errorf("linked=%v identity=%q after MarkLinked", linked, identity)
	}

	if err := s.ClearLink("whatsapp", "default"); err != nil {
		t.Fatalf("ClearLink: %v", err)
	}
	linked, identity, err = s.Linked("whatsapp", "default")
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if linked {
		t.Error("account still linked after ClearLink")
	}
	if identity != "" {
		t.Errorf("identity = %q after ClearLink, want empty", identity)
	}
}

func TestClearLinkWithoutPriorRecord(t *testing.T) {
	s := testStore(t)

	if err := s.ClearLink("whatsapp", "fresh"); err != nil {
		t.Fatalf("ClearLink: %v", err)
	}
	linked, _, err := s.Linked("whatsapp", "fresh")
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if linked {
		t.Error("cleared account reports linked")
	}
}

func TestRelinkAfterClear(t *testing.T) {
	s := testStore(t)

	if err := s.ClearLink("whatsapp", "default"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkLinked("whatsapp", "default", "+15550000000"); err != nil {
		t.Fatal(err)
	}
	linked, identity, err := s.Linked("whatsapp", "default")
	if err != nil {
		t.Fatal(err)
	}
	if !linked || identity != "+15550000000" {
		t.Errorf("linked=%v identity=%q after relink", linked, identity)
	}
}

func TestAccountsAreIndependent(t *testing.T) {
	s := testStore(t)

	if err := s.ClearLink("whatsapp", "work"); err != nil {
		t.Fatal(err)
	}
	linked, _, err := s.Linked("whatsapp", "personal")
	if err != nil {
		t.Fatal(err)
	}
	if !linked {
		t.Error("clearing one account affected another")
	}
}
