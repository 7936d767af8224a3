package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"tustore/backend/internal/domain"
	"tustore/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				TenantID:  "bodega-sur",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := legacyAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "123456", users)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	stored, err := users.GetUser(context.Background(), "admin")
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	if stored.Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored.Password)
	}
	if users.updates != 1 {
		t.Fatalf("expected one password update, got %d", users.updates)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login after upgrade failed: %v", err)
	}
}

func TestLoginRejectsUnknownAndInactiveUsers(t *testing.T) {
	users := legacyAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "123456", users)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "whatever"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	admin := users.users["admin"]
	admin.Active = false
	users.users["admin"] = admin
	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if !errors.Is(err, ErrInactiveAccount) {
		t.Fatalf("expected ErrInactiveAccount, got %v", err)
	}
}

func TestTokenCarriesTenantAndRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", legacyAdminStore())

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Admin ", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	identity, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	want := domain.Identity{UserID: "admin", TenantID: "bodega-sur", Role: domain.RoleAdmin}
	if identity != want {
		t.Fatalf("expected %+v, got %+v", want, identity)
	}

	other := NewAuthManager("another-secret", time.Hour, "123456", legacyAdminStore())
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsForeignIssuer(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", legacyAdminStore())
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:   domain.RoleAdmin,
		Tenant: "bodega-sur",
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected foreign issuer to be rejected")
	}
}

func TestCreateCashierStoresPasswordHashInAdminTenant(t *testing.T) {
	users := legacyAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "123456", users)
	admin := domain.Identity{UserID: "admin", TenantID: "bodega-sur", Role: domain.RoleAdmin}

	cashier, err := manager.CreateCashier(context.Background(), admin, domain.CashierCreateRequest{
		Username: "KasirBaru",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if cashier.Username != "kasirbaru" || cashier.TenantID != "bodega-sur" {
		t.Fatalf("unexpected cashier %+v", cashier)
	}

	found, err := users.GetUser(context.Background(), "kasirbaru")
	if err != nil {
		t.Fatalf("expected cashier to be saved: %v", err)
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "kasirbaru", Password: "pass1234"}); err != nil {
		t.Fatalf("login with hashed cashier failed: %v", err)
	}

	_, err = manager.CreateCashier(context.Background(), admin, domain.CashierCreateRequest{Username: "kasirbaru", Password: "pass1234"})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected duplicate username to be rejected, got %v", err)
	}
}

func TestCreateCashierValidation(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", legacyAdminStore())
	admin := domain.Identity{UserID: "admin", TenantID: "bodega-sur", Role: domain.RoleAdmin}

	tests := []struct {
		name string
		req  domain.CashierCreateRequest
	}{
		{name: "short username", req: domain.CashierCreateRequest{Username: "abc", Password: "pass1234"}},
		{name: "username with space", req: domain.CashierCreateRequest{Username: "kasir baru", Password: "pass1234"}},
		{name: "short password", req: domain.CashierCreateRequest{Username: "kasirbaru", Password: "12345"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := manager.CreateCashier(context.Background(), admin, tt.req); !errors.Is(err, store.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestListCashiersIsTenantScoped(t *testing.T) {
	users := legacyAdminStore()
	users.users["ana"] = domain.UserAccount{Username: "ana", Role: domain.RoleCashier, TenantID: "bodega-sur", Active: true}
	users.users["beto"] = domain.UserAccount{Username: "beto", Role: domain.RoleCashier, TenantID: "bodega-norte", Active: true}
	users.users["aaron"] = domain.UserAccount{Username: "aaron", Role: domain.RoleCashier, TenantID: "bodega-sur", Active: true}
	manager := NewAuthManager("test-secret", time.Hour, "123456", users)

	cashiers, err := manager.ListCashiers(context.Background(), domain.Identity{UserID: "admin", TenantID: "bodega-sur", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("list cashiers failed: %v", err)
	}
	if len(cashiers) != 2 {
		t.Fatalf("expected 2 cashiers, got %d", len(cashiers))
	}
	if cashiers[0].Username != "aaron" || cashiers[1].Username != "ana" {
		t.Fatalf("expected cashiers sorted by username, got %+v", cashiers)
	}
}

func TestEnsureAdminOnlySeedsEmptyStore(t *testing.T) {
	users := &userStoreStub{}
	manager := NewAuthManager("test-secret", time.Hour, "123456", users)

	created, err := manager.EnsureAdmin(context.Background(), "Owner", "s3cret-pass")
	if err != nil || !created {
		t.Fatalf("expected admin to be created, got created=%v err=%v", created, err)
	}
	owner, err := users.GetUser(context.Background(), "owner")
	if err != nil {
		t.Fatalf("expected owner account: %v", err)
	}
	if owner.Role != domain.RoleAdmin || owner.TenantID != "owner" {
		t.Fatalf("unexpected bootstrap account %+v", owner)
	}

	created, err = manager.EnsureAdmin(context.Background(), "second", "s3cret-pass")
	if err != nil || created {
		t.Fatalf("expected no-op once users exist, got created=%v err=%v", created, err)
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{})

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}
	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}
	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}
