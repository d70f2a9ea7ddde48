package authcore

import (
	"context"
	"errors"
	"testing"
)

const newTestPassword = "fresh-horse-battery"

func TestChangePasswordRotatesHashAndRevokesOthers(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, "user@example.com")
	other := establishSession(t, e, "user@example.com", testPassword)
	current := establishSession(t, e, "user@example.com", testPassword)
	ctx := context.Background()

	err := e.ChangePassword(ctx, ChangePasswordInput{
		AccessToken: current.AccessToken,
		OldPassword: testPassword,
		NewPassword: newTestPassword,
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	// The caller's session survives; every other session dies.
	if _, err := e.Validate(ctx, current.AccessToken); err != nil {
		t.Fatalf("caller's session must survive: %v", err)
	}
	if _, err := e.Validate(ctx, other.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("other sessions must be revoked, got %v", err)
	}

	if _, err := e.Login(ctx, LoginInput{Email: "user@example.com", Password: testPassword}, testSignals()); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	res, err := e.Login(ctx, LoginInput{Email: "user@example.com", Password: newTestPassword}, testSignals())
	if err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if res.RequiresMFA {
		t.Fatal("familiar device must not step up after a password change")
	}
}

func TestChangePasswordRejectsWrongOldPassword(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, "user@example.com")
	res := establishSession(t, e, "user@example.com", testPassword)

	err := e.ChangePassword(context.Background(), ChangePasswordInput{
		AccessToken: res.AccessToken,
		OldPassword: "wrong-password-1",
		NewPassword: newTestPassword,
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestChangePasswordInputValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, "user@example.com")
	res := establishSession(t, e, "user@example.com", testPassword)
	ctx := context.Background()

	cases := []ChangePasswordInput{
		{AccessToken: res.AccessToken, OldPassword: "", NewPassword: newTestPassword},
		{AccessToken: res.AccessToken, OldPassword: testPassword, NewPassword: ""},
		{AccessToken: res.AccessToken, OldPassword: testPassword, NewPassword: testPassword},
	}
	for i, in := range cases {
		if err := e.ChangePassword(ctx, in); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}

	err := e.ChangePassword(ctx, ChangePasswordInput{
		AccessToken: "bogus",
		OldPassword: testPassword,
		NewPassword: newTestPassword,
	})
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}
