package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/profile"
)

func testRetryConfig() profile.RetryConfig {
	return profile.RetryConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}
}

func signedInToken(t *testing.T, api *Client, username string) string {
	t.Helper()
	s, err := NewSessionStore(api).SignIn(context.Background(), username, "Senha@123")
	if err != nil {
		t.Fatalf("SignIn がエラーを返した: %v", err)
	}
	return s.Token
}

func TestProfileResolver_Fetch(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusPending, false)
	token := signedInToken(t, api, "alice")

	r := NewProfileResolver(api, testRetryConfig())
	p, err := r.Fetch(context.Background(), token)
	if err != nil {
		t.Fatalf("Fetch がエラーを返した: %v", err)
	}
	if p.UserID != "u-alice" || p.Status != model.StatusPending {
		t.Errorf("profile = %+v", p)
	}
}

func TestProfileResolver_Fetch_NotFoundIsNil(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusPending, false)
	token := signedInToken(t, api, "alice")
	fake.mu.Lock()
	fake.missingFetch = 1
	fake.mu.Unlock()

	p, err := NewProfileResolver(api, testRetryConfig()).Fetch(context.Background(), token)
	if err != nil || p != nil {
		t.Errorf("Fetch = %v, %v, want nil, nil", p, err)
	}
}

func TestProfileResolver_Resolve_RetriesUntilFound(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusApproved, false)
	token := signedInToken(t, api, "alice")
	fake.mu.Lock()
	fake.missingFetch = 2
	fake.mu.Unlock()

	p, err := NewProfileResolver(api, testRetryConfig()).Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve がエラーを返した: %v", err)
	}
	if p.UserID != "u-alice" {
		t.Errorf("UserID = %q", p.UserID)
	}
	if n := fake.callCount("GET /api/profile"); n != 3 {
		t.Errorf("profile calls = %d, want 3", n)
	}
}

func TestProfileResolver_Resolve_NotReady(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusApproved, false)
	token := signedInToken(t, api, "alice")
	fake.mu.Lock()
	fake.missingFetch = 10
	fake.mu.Unlock()

	_, err := NewProfileResolver(api, testRetryConfig()).Resolve(context.Background(), token)
	if !errors.Is(err, profile.ErrProfileNotReady) {
		t.Errorf("err = %v, want ErrProfileNotReady", err)
	}
}

func TestProfileResolver_Resolve_Unauthorized(t *testing.T) {
	_, api := newFakeAPI(t)

	_, err := NewProfileResolver(api, testRetryConfig()).Resolve(context.Background(), "tok-invalido")
	if !IsCode(err, model.ErrCodeUnauthorized) {
		t.Errorf("err = %v, want UNAUTHORIZED", err)
	}
}
