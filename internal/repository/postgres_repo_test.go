package repository

import (
	"testing"
)

// Postgres実装が各インターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ CountryRepository = (*PostgresCountryRepo)(nil)
	var _ NumberRepository = (*PostgresNumberRepo)(nil)
	var _ OTPRepository = (*PostgresOTPRepo)(nil)
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ StatsRepository = (*PostgresStatsRepo)(nil)
}

// NewPostgresStoreがすべてのリポジトリを初期化することを検証
func TestNewPostgresStore_Initializes(t *testing.T) {
	store := NewPostgresStore(nil)
	if store == nil {
		t.Fatal("expected non-nil store")
	}
	if store.Countries == nil || store.Numbers == nil || store.OTPs == nil || store.Users == nil || store.Stats == nil {
		t.Fatalf("all repositories must be set: %+v", store)
	}
}

// 不正なUUIDはDBに問い合わせずnilを返すことを検証
func TestPostgresNumberRepo_InvalidUUID_ReturnsNil(t *testing.T) {
	repo := NewPostgresNumberRepo(nil)

	n, err := repo.FindByID(t.Context(), "not-a-uuid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != nil {
		t.Errorf("expected nil for invalid id, got %+v", n)
	}

	n, err = repo.Release(t.Context(), "not-a-uuid", fixedNow)
	if err != nil || n != nil {
		t.Errorf("Release with invalid id = (%v, %v), want (nil, nil)", n, err)
	}

	n, err = repo.ReleaseHeldBy(t.Context(), "not-a-uuid", 42, fixedNow)
	if err != nil || n != nil {
		t.Errorf("ReleaseHeldBy with invalid id = (%v, %v), want (nil, nil)", n, err)
	}
}
