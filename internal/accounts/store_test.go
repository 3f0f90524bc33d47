package accounts

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/nimbusmail/oauth-mail-gateway/internal/db/models"
	"github.com/nimbusmail/oauth-mail-gateway/internal/secret"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.AutoMigrate(&models.Account{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	codec, err := secret.NewCodec(strings.Repeat("k", secret.KeySize))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return NewStore(database, codec)
}

func TestStore_ImportAndFindByAddress(t *testing.T) {
	store := newTestStore(t)

	account, err := store.Import("box1@outlook.com", "client-1", "refresh-1")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if account.RefreshToken == "refresh-1" {
		t.Fatalf("refresh token stored in plaintext")
	}

	creds, err := store.FindByAddress("box1@outlook.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if creds == nil {
		t.Fatalf("expected credentials, got nil")
	}
	if creds.RefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q, want decrypted original", creds.RefreshToken)
	}
	if creds.ClientID != "client-1" || creds.AccountID != account.ID {
		t.Errorf("unexpected credentials %+v", creds)
	}
	if creds.AutoAssigned {
		t.Errorf("lookup credentials must not be marked auto-assigned")
	}
}

func TestStore_FindByAddress_Absent(t *testing.T) {
	store := newTestStore(t)

	creds, err := store.FindByAddress("nobody@outlook.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if creds != nil {
		t.Fatalf("expected nil for unknown address, got %+v", creds)
	}
}

func TestStore_ImportDuplicate(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Import("box1@outlook.com", "c", "r"); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if _, err := store.Import("box1@outlook.com", "c", "r"); err == nil {
		t.Fatalf("expected duplicate import to fail")
	}
}

func TestStore_UpdateStatus(t *testing.T) {
	store := newTestStore(t)
	account, err := store.Import("box1@outlook.com", "c", "r")
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if err := store.UpdateStatus(account.ID, false, "imap auth: NO"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	var row models.Account
	store.db.First(&row, account.ID)
	if row.Status != models.StatusError || row.ErrorMessage != "imap auth: NO" {
		t.Errorf("after failure: status=%s err=%q", row.Status, row.ErrorMessage)
	}
	if row.LastCheckedAt.IsZero() {
		t.Errorf("last checked not updated")
	}

	if err := store.UpdateStatus(account.ID, true, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	store.db.First(&row, account.ID)
	if row.Status != models.StatusActive || row.ErrorMessage != "" {
		t.Errorf("after success: status=%s err=%q", row.Status, row.ErrorMessage)
	}
}

func TestStore_ListActive(t *testing.T) {
	store := newTestStore(t)
	a, _ := store.Import("a@outlook.com", "c", "r")
	store.Import("b@outlook.com", "c", "r")
	store.UpdateStatus(a.ID, false, "broken")

	active, err := store.ListActive()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].Address != "b@outlook.com" {
		t.Fatalf("active = %+v, want only b@outlook.com", active)
	}
}
