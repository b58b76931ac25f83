package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"download-queue/internal/repository/sqlite"
)

func newUserService(t *testing.T, secret string) UserService {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := sqlite.NewUserRepository(db)
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return NewUserService(repo, secret)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := newUserService(t, "let-me-in")

	user, err := svc.Register(ctx, " grace ", "correct horse", "let-me-in")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Username != "grace" || user.PasswordHash != "" {
		t.Errorf("unexpected registered user %+v", user)
	}

	authed, err := svc.Authenticate(ctx, "grace", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if authed.ID != user.ID {
		t.Errorf("expected id %d, got %d", user.ID, authed.ID)
	}

	if _, err := svc.Authenticate(ctx, "grace", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := svc.Register(ctx, "grace", "another pass", "let-me-in"); !errors.Is(err, ErrUserAlreadyExists) {
		t.Errorf("expected ErrUserAlreadyExists, got %v", err)
	}

	byID, err := svc.GetByID(ctx, user.ID)
	if err != nil || byID.Username != "grace" {
		t.Errorf("GetByID: %+v (%v)", byID, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc := newUserService(t, "let-me-in")

	tests := []struct {
		name, user, pass, secret string
		want                     error
	}{
		{"missing username", "", "long enough", "let-me-in", ErrInvalidInput},
		{"short password", "ada", "short", "let-me-in", ErrInvalidInput},
		{"wrong secret", "ada", "long enough", "guess", ErrInvalidRegistrationPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tt.user, tt.pass, tt.secret); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	unconfigured := newUserService(t, "")
	if _, err := unconfigured.Register(ctx, "ada", "long enough", ""); err == nil {
		t.Fatal("expected registration to fail without a configured secret")
	}
}
