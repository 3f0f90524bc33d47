package pool

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/nimbusmail/oauth-mail-gateway/internal/db/models"
	"github.com/nimbusmail/oauth-mail-gateway/internal/secret"
	"gorm.io/gorm"
)

func newTestPool(t *testing.T) *Service {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.AutoMigrate(&models.Account{}, &models.UsageClaim{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A single connection serializes concurrent claims the way a server-side
	// database would, so races surface as unique violations, not lock errors.
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	codec, err := secret.NewCodec(strings.Repeat("k", secret.KeySize))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return NewService(database, codec)
}

func seedAccount(t *testing.T, s *Service, address, status string) uint {
	t.Helper()
	sealed, err := s.codec.Encrypt("refresh-" + address)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	account := models.Account{Address: address, ClientID: "client", RefreshToken: sealed, Status: status}
	if err := s.db.Create(&account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account.ID
}

func TestClaim_ExclusivityUnderConcurrency(t *testing.T) {
	s := newTestPool(t)
	accountID := seedAccount(t, s, "a@outlook.com", models.StatusActive)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Claim(7, accountID)
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyClaimed):
			conflicts++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if successes != 1 || conflicts != attempts-1 {
		t.Fatalf("got %d successes, %d conflicts; want 1 and %d", successes, conflicts, attempts-1)
	}
}

func TestClaim_SharedAcrossCallers(t *testing.T) {
	s := newTestPool(t)
	accountID := seedAccount(t, s, "a@outlook.com", models.StatusActive)

	if err := s.Claim(1, accountID); err != nil {
		t.Fatalf("caller 1 claim: %v", err)
	}
	if err := s.Claim(2, accountID); err != nil {
		t.Fatalf("claims must be scoped per caller, got %v", err)
	}

	creds, err := s.GetUnusedAccount(3)
	if err != nil {
		t.Fatalf("get unused: %v", err)
	}
	if creds == nil || creds.AccountID != accountID {
		t.Fatalf("account should remain claimable by caller 3, got %+v", creds)
	}
}

func TestAllocate_ScenarioAndExhaustion(t *testing.T) {
	s := newTestPool(t)
	idA := seedAccount(t, s, "a@outlook.com", models.StatusActive)
	idB := seedAccount(t, s, "b@outlook.com", models.StatusActive)

	first, err := s.Allocate(1)
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if first.AccountID != idA {
		t.Errorf("first allocation = %d, want lowest id %d", first.AccountID, idA)
	}
	if !first.AutoAssigned {
		t.Errorf("pool credentials must be marked auto-assigned")
	}
	if first.RefreshToken != "refresh-a@outlook.com" {
		t.Errorf("refresh token not decrypted: %q", first.RefreshToken)
	}

	second, err := s.Allocate(1)
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if second.AccountID != idB {
		t.Errorf("second allocation = %d, want %d", second.AccountID, idB)
	}

	if _, err := s.Allocate(1); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("third allocate err = %v, want ErrPoolExhausted", err)
	}

	stats, err := s.Stats(1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Used != 2 || stats.Remaining != 0 {
		t.Errorf("stats = %+v, want {2 2 0}", stats)
	}
}

func TestReset_Idempotent(t *testing.T) {
	s := newTestPool(t)
	seedAccount(t, s, "a@outlook.com", models.StatusActive)
	seedAccount(t, s, "b@outlook.com", models.StatusActive)

	if _, err := s.Allocate(1); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.Reset(1); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
		stats, err := s.Stats(1)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Used != 0 || stats.Remaining != 2 {
			t.Errorf("after reset %d: stats = %+v, want used=0 remaining=2", i, stats)
		}
	}

	creds, err := s.GetUnusedAccount(1)
	if err != nil || creds == nil {
		t.Fatalf("accounts should be claimable after reset: %v, %+v", err, creds)
	}
}

func TestGetUnusedAccount_SkipsInactive(t *testing.T) {
	s := newTestPool(t)
	seedAccount(t, s, "err@outlook.com", models.StatusError)
	idActive := seedAccount(t, s, "ok@outlook.com", models.StatusActive)

	creds, err := s.GetUnusedAccount(1)
	if err != nil {
		t.Fatalf("get unused: %v", err)
	}
	if creds == nil || creds.AccountID != idActive {
		t.Fatalf("got %+v, want ACTIVE account %d", creds, idActive)
	}
}

func TestOverwriteClaims_CollapsesDuplicates(t *testing.T) {
	s := newTestPool(t)
	idA := seedAccount(t, s, "a@outlook.com", models.StatusActive)
	idB := seedAccount(t, s, "b@outlook.com", models.StatusActive)

	if _, err := s.Allocate(1); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := s.OverwriteClaims(1, []uint{idB, idB, idA, idB}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	stats, _ := s.Stats(1)
	if stats.Used != 2 {
		t.Errorf("used = %d, want 2 after duplicate collapse", stats.Used)
	}

	usage, err := s.AccountsWithUsage(1)
	if err != nil {
		t.Fatalf("accounts with usage: %v", err)
	}
	for _, u := range usage {
		if !u.Used {
			t.Errorf("account %d should be flagged used", u.AccountID)
		}
	}
}

func TestOverwriteClaims_EmptySetClears(t *testing.T) {
	s := newTestPool(t)
	seedAccount(t, s, "a@outlook.com", models.StatusActive)
	if _, err := s.Allocate(1); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := s.OverwriteClaims(1, nil); err != nil {
		t.Fatalf("overwrite empty: %v", err)
	}
	stats, _ := s.Stats(1)
	if stats.Used != 0 {
		t.Errorf("used = %d, want 0", stats.Used)
	}
}

func TestListClaimsAndOwnership(t *testing.T) {
	s := newTestPool(t)
	idA := seedAccount(t, s, "a@outlook.com", models.StatusActive)
	seedAccount(t, s, "b@outlook.com", models.StatusActive)

	if err := s.Claim(1, idA); err != nil {
		t.Fatalf("claim: %v", err)
	}

	claims, err := s.ListClaims(1)
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	if len(claims) != 1 || claims[0].Address != "a@outlook.com" {
		t.Fatalf("claims = %+v", claims)
	}

	owned, err := s.CheckOwnership(1, "a@outlook.com")
	if err != nil || !owned {
		t.Errorf("ownership of claimed account = %v, %v", owned, err)
	}
	owned, err = s.CheckOwnership(1, "b@outlook.com")
	if err != nil || owned {
		t.Errorf("ownership of unclaimed account = %v, %v", owned, err)
	}
}
