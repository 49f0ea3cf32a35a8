//go:build postgres_integration

package store

import (
	"os"
	"testing"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(t.Context(), dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	rec, err := p.RecordSelectorRequest(t.Context(), SelectorRequest{Source: "http", Accounts: []string{"*"}, Accepted: true})
	if err != nil {
		t.Fatalf("RecordSelectorRequest: %v", err)
	}
	got, err := p.GetSelectorRequest(t.Context(), rec.ID)
	if err != nil {
		t.Fatalf("GetSelectorRequest: %v", err)
	}
	if !got.Accepted || len(got.Accounts) != 1 || len(got.Owners) != 0 {
		t.Fatalf("unexpected row: %+v", got)
	}
	if _, err := p.ListSelectorRequests(t.Context(), 1); err != nil {
		t.Fatalf("ListSelectorRequests: %v", err)
	}
}
