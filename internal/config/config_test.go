package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validConfig() Config {
	return Config{
		HTTP:     HTTPConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "valkey", Addrs: []string{"localhost:6379"}},
		Accounts: AccountsConfig{URL: "postgres://localhost/promptmeter"},
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestValidate_MissingValkeyAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Addrs = nil

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing valkey addrs")
	}
}

func TestValidate_MemoryDriverNeedsNoAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.Database = DatabaseConfig{Driver: "memory"}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "etcd"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	expected := `database.driver must be "valkey", "redis" or "memory", got "etcd"`
	if err.Error() != expected {
		t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), expected)
	}
}

func TestValidate_MissingAccountsURL(t *testing.T) {
	cfg := validConfig()
	cfg.Accounts.URL = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing accounts.url")
	}
}

func TestValidate_NegativeGuestLimit(t *testing.T) {
	cfg := validConfig()
	neg := -1
	cfg.Guest.MaxRefine = &neg

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative guest limit")
	}
}

func TestValidate_BadPrice(t *testing.T) {
	cfg := validConfig()
	cfg.Pricing.Models = map[string]string{"gpt-4o": "cheap"}

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "pricing.models.gpt-4o") {
		t.Fatalf("expected pricing error, got %v", err)
	}
}

func TestValidate_DuplicateToken(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Users = []UserToken{
		{Token: "t1", UserID: "alice"},
		{Token: "t1", UserID: "bob"},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate token")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 {
		t.Errorf("expected ReadTimeoutSec=10, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.HTTP.ShutdownSec != 10 {
		t.Errorf("expected ShutdownSec=10, got %d", cfg.HTTP.ShutdownSec)
	}
	if cfg.Database.Driver != "valkey" {
		t.Errorf("expected Driver=valkey, got %q", cfg.Database.Driver)
	}
	if cfg.Ledger.RetryAttempts != 3 {
		t.Errorf("expected RetryAttempts=3, got %d", cfg.Ledger.RetryAttempts)
	}
	if cfg.Storage.KeyPrefix != "promptmeter:" {
		t.Errorf("expected KeyPrefix=promptmeter:, got %q", cfg.Storage.KeyPrefix)
	}
	if l := cfg.GuestLimits(); l.MaxGenerate != 1 || l.MaxRefine != 1 {
		t.Errorf("expected guest limits 1/1, got %+v", l)
	}
}

func TestApplyDefaults_KeepsExplicitZeroLimit(t *testing.T) {
	zero := 0
	cfg := Config{Guest: GuestConfig{MaxRefine: &zero}}
	cfg.ApplyDefaults()

	if l := cfg.GuestLimits(); l.MaxRefine != 0 || l.MaxGenerate != 1 {
		t.Errorf("unexpected limits: %+v", l)
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("PM_TEST_PG", "postgres://db/pm")

	doc := []byte(`
http:
  port: 8080
database:
  driver: memory
accounts:
  url: ${PM_TEST_PG}
guest:
  max_generate: 3
  key_ttl_hours: 48
pricing:
  fallback_per_million: "${PM_TEST_FALLBACK:-0.5}"
  models:
    gpt-4o: "5"
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Accounts.URL != "postgres://db/pm" {
		t.Errorf("Accounts.URL = %q", cfg.Accounts.URL)
	}
	if cfg.GuestLimits().MaxGenerate != 3 {
		t.Errorf("MaxGenerate = %d, want 3", cfg.GuestLimits().MaxGenerate)
	}
	if cfg.GuestKeyTTL() != 48*time.Hour {
		t.Errorf("GuestKeyTTL = %v", cfg.GuestKeyTTL())
	}
	table, _ := cfg.Pricing.Table()
	if got := table.Cost("unknown-model", 2_000_000); !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("fallback cost = %s, want 1", got)
	}
}

func TestAuthTokens(t *testing.T) {
	a := AuthConfig{Users: []UserToken{
		{Token: "t1", UserID: "u1", Email: "u1@example.com"},
		{Token: "t2", UserID: "u2"},
	}}

	m := a.Tokens()
	if len(m) != 2 {
		t.Fatalf("got %d tokens, want 2", len(m))
	}
	if m["t1"].ID != "u1" || m["t1"].Email != "u1@example.com" {
		t.Errorf("t1 = %+v", m["t1"])
	}
	if m["t2"].ID != "u2" {
		t.Errorf("t2 = %+v", m["t2"])
	}
}

func TestLoad_LocalFile(t *testing.T) {
	cfg, err := Load("local")
	if err != nil {
		t.Fatalf("Load(local): %v", err)
	}
	if cfg.Storage.KeyPrefix == "" || cfg.Generator.DefaultModel == "" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Auth.Tokens()) == 0 {
		t.Error("local config should define a dev user")
	}
}
