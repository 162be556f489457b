package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"labdesk/api/internal/store"
)

// mockUserStore is an in-memory UserStore for testing
type mockUserStore struct {
	users map[string]store.User
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]store.User)}
}

func (m *mockUserStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	if user, ok := m.users[username]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) CreateUser(_ context.Context, user store.User) error {
	m.users[user.Username] = user
	return nil
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("successful registration", func(t *testing.T) {
		svc := NewService(newMockUserStore())
		user, err := svc.Register(ctx, RegisterRequest{Username: "  avery ", Password: "correct horse"})
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if user.Username != "avery" {
			t.Fatalf("expected trimmed username, got %q", user.Username)
		}
		if user.PasswordHash == "correct horse" {
			t.Fatal("password stored in clear")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("correct horse")); err != nil {
			t.Fatalf("stored hash does not match password: %v", err)
		}
		if user.CreatedAt.IsZero() {
			t.Fatal("expected created_at to be set")
		}
	})

	t.Run("rejects short password", func(t *testing.T) {
		svc := NewService(newMockUserStore())
		_, err := svc.Register(ctx, RegisterRequest{Username: "avery", Password: "short"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		svc := NewService(newMockUserStore())
		_, err := svc.Register(ctx, RegisterRequest{Username: "", Password: "correct horse"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("rejects taken username", func(t *testing.T) {
		mockStore := newMockUserStore()
		mockStore.users["avery"] = store.User{Username: "avery"}
		svc := NewService(mockStore)
		_, err := svc.Register(ctx, RegisterRequest{Username: "avery", Password: "correct horse"})
		if !errors.Is(err, ErrUsernameTaken) {
			t.Fatalf("expected ErrUsernameTaken, got %v", err)
		}
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)
	if _, err := svc.Register(ctx, RegisterRequest{Username: "avery", Password: "correct horse"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	t.Run("successful login", func(t *testing.T) {
		user, err := svc.Login(ctx, "avery", "correct horse")
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}
		if user.Username != "avery" {
			t.Fatalf("unexpected user: %+v", user)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := svc.Login(ctx, "avery", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if _, err := svc.Login(ctx, "nobody", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	})
}
