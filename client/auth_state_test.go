package client

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/academico/internal/approval"
	"github.com/hitoshi/academico/internal/guard"
	"github.com/hitoshi/academico/internal/model"
)

func waitResolved(t *testing.T, a *AuthState) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := a.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait がエラーを返した: %v", err)
	}
	return snap
}

func newTestAuthState(t *testing.T, api *Client) (*SessionStore, *AuthState) {
	t.Helper()
	store := NewSessionStore(api)
	state := NewAuthState(store, NewProfileResolver(api, testRetryConfig()))
	t.Cleanup(state.Close)
	return store, state
}

func TestAuthState_SignedOut(t *testing.T) {
	_, api := newFakeAPI(t)
	_, state := newTestAuthState(t, api)

	snap := state.Snapshot()
	if snap.Resolving || snap.Session != nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Level != approval.LevelUnauthenticated {
		t.Errorf("Level = %q", snap.Level)
	}

	d := state.Guard(true, false, "/turmas", guard.DefaultOptions())
	if d.Kind != guard.KindRedirect || d.RedirectTo != "/login?redirect=%2Fturmas" {
		t.Errorf("decision = %+v", d)
	}
}

func TestAuthState_PendingUser(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusPending, false)
	store, state := newTestAuthState(t, api)

	if _, err := store.SignIn(context.Background(), "alice", "Senha@123"); err != nil {
		t.Fatal(err)
	}
	snap := waitResolved(t, state)
	if snap.Level != approval.LevelPending {
		t.Errorf("Level = %q, want pending", snap.Level)
	}

	d := state.Guard(true, false, "/dashboard", guard.DefaultOptions())
	if d.Kind != guard.KindInterstitial || d.Interstitial != guard.InterstitialPending {
		t.Errorf("decision = %+v", d)
	}
}

func TestAuthState_LoadingWhileResolving(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusApproved, true)
	gate := make(chan struct{})
	fake.mu.Lock()
	fake.profileGate = gate
	fake.mu.Unlock()

	store, state := newTestAuthState(t, api)
	if _, err := store.SignIn(context.Background(), "alice", "Senha@123"); err != nil {
		t.Fatal(err)
	}

	if d := state.Guard(true, true, "/admin", guard.DefaultOptions()); d.Kind != guard.KindLoading {
		t.Errorf("取得中は loading になるべき: %+v", d)
	}

	close(gate)
	snap := waitResolved(t, state)
	if snap.Level != approval.LevelAdmin {
		t.Errorf("Level = %q, want admin", snap.Level)
	}
	if d := state.Guard(true, true, "/admin", guard.DefaultOptions()); d.Kind != guard.KindRender {
		t.Errorf("decision = %+v", d)
	}
}

func TestAuthState_SwitchUser_UsesLatestProfile(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusPending, false)
	fake.addUser("bruno", "Senha@123", model.StatusApproved, false)
	gate := make(chan struct{})
	fake.mu.Lock()
	fake.profileGate = gate
	fake.mu.Unlock()

	store, state := newTestAuthState(t, api)
	if _, err := store.SignIn(context.Background(), "alice", "Senha@123"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SignIn(context.Background(), "bruno", "Senha@123"); err != nil {
		t.Fatal(err)
	}
	close(gate)

	snap := waitResolved(t, state)
	if snap.Profile == nil || snap.Profile.UserID != "u-bruno" {
		t.Fatalf("profile = %+v, want bruno", snap.Profile)
	}
	if snap.Session.UserID != "u-bruno" {
		t.Errorf("session = %+v", snap.Session)
	}
}

func TestAuthState_StaleLoadIsDiscarded(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusPending, false)
	store, state := newTestAuthState(t, api)

	session, err := store.SignIn(context.Background(), "alice", "Senha@123")
	if err != nil {
		t.Fatal(err)
	}
	waitResolved(t, state)

	state.mu.Lock()
	stale := state.generation
	state.mu.Unlock()

	if err := store.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}

	// サインアウト前の世代の取得結果は反映されない
	state.load(context.Background(), stale, session.Token, make(chan struct{}))

	snap := state.Snapshot()
	if snap.Session != nil || snap.Profile != nil {
		t.Errorf("古い世代の結果が反映された: %+v", snap)
	}
	if snap.Level != approval.LevelUnauthenticated {
		t.Errorf("Level = %q", snap.Level)
	}
}

func TestAuthState_TokenRefresh_KeepsProfile(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusApproved, false)

	store := NewSessionStore(api, WithRefreshThreshold(2*time.Hour))
	state := NewAuthState(store, NewProfileResolver(api, testRetryConfig()))
	defer state.Close()

	if _, err := store.SignIn(context.Background(), "alice", "Senha@123"); err != nil {
		t.Fatal(err)
	}
	waitResolved(t, state)
	before := fake.callCount("GET /api/profile")

	refreshed, err := store.EnsureFresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	snap := state.Snapshot()
	if snap.Resolving || snap.Profile == nil {
		t.Fatalf("リフレッシュでプロフィールを失ってはならない: %+v", snap)
	}
	if snap.Session.Token != refreshed.Token {
		t.Error("セッションは更新後のトークンを持つべき")
	}
	if after := fake.callCount("GET /api/profile"); after != before {
		t.Errorf("profile calls = %d, want %d", after, before)
	}
}

func TestAuthState_Reload_ReflectsApproval(t *testing.T) {
	fake, api := newFakeAPI(t)
	p := fake.addUser("alice", "Senha@123", model.StatusPending, false)
	store, state := newTestAuthState(t, api)

	if _, err := store.SignIn(context.Background(), "alice", "Senha@123"); err != nil {
		t.Fatal(err)
	}
	if snap := waitResolved(t, state); snap.Level != approval.LevelPending {
		t.Fatalf("Level = %q", snap.Level)
	}

	fake.mu.Lock()
	p.Status = model.StatusApproved
	fake.mu.Unlock()

	state.Reload()
	if snap := waitResolved(t, state); snap.Level != approval.LevelUser {
		t.Errorf("Level = %q, want user", snap.Level)
	}
}

func TestAuthState_ProfileNeverAppears(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusApproved, false)
	fake.mu.Lock()
	fake.missingFetch = 100
	fake.mu.Unlock()
	store, state := newTestAuthState(t, api)

	if _, err := store.SignIn(context.Background(), "alice", "Senha@123"); err != nil {
		t.Fatal(err)
	}
	snap := waitResolved(t, state)
	if snap.Err == nil {
		t.Error("取得エラーが記録されるべき")
	}

	d := state.Guard(true, false, "/dashboard", guard.DefaultOptions())
	if d.Kind != guard.KindInterstitial || d.Interstitial != guard.InterstitialPending {
		t.Errorf("プロフィールがない場合は承認待ち扱いになるべき: %+v", d)
	}
}

func TestAuthState_Close_StopsTracking(t *testing.T) {
	fake, api := newFakeAPI(t)
	fake.addUser("alice", "Senha@123", model.StatusApproved, false)
	store := NewSessionStore(api)
	state := NewAuthState(store, NewProfileResolver(api, testRetryConfig()))

	state.Close()
	if _, err := store.SignIn(context.Background(), "alice", "Senha@123"); err != nil {
		t.Fatal(err)
	}
	if snap := state.Snapshot(); snap.Session != nil {
		t.Errorf("Close 後は状態を更新しないべき: %+v", snap)
	}
}
