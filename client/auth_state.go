package client

import (
	"context"
	"sync"

	"github.com/hitoshi/academico/internal/approval"
	"github.com/hitoshi/academico/internal/guard"
	"github.com/hitoshi/academico/internal/model"
)

// Snapshot はある時点の認証状態。
type Snapshot struct {
	Session   *model.Session
	Profile   *model.Profile
	Resolving bool
	Level     approval.AccessLevel
	Err       error // 直近のプロフィール取得エラー
}

// AuthState はセッションとプロフィールを組み合わせた認証状態を管理する。
// セッションが変わるたびに世代を進め、古い世代のプロフィール取得結果は破棄する。
type AuthState struct {
	profiles *ProfileResolver

	mu          sync.Mutex
	generation  uint64
	session     *model.Session
	profile     *model.Profile
	resolving   bool
	err         error
	cancel      context.CancelFunc
	ready       chan struct{}
	closed      bool
	unsubscribe func()
}

// NewAuthState はAuthStateを生成し、セッションストアの変更を購読する。
// 生成時点でセッションがあれば、そのプロフィールの取得を開始する。
func NewAuthState(sessions *SessionStore, profiles *ProfileResolver) *AuthState {
	a := &AuthState{
		profiles: profiles,
		ready:    closedChan(),
	}
	a.unsubscribe = sessions.OnChange(a.onSessionChange)
	if s := sessions.GetSession(); s != nil {
		a.onSessionChange(ChangeSignedIn, s)
	}
	return a
}

func (a *AuthState) onSessionChange(kind ChangeKind, session *model.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	// トークンのリフレッシュでは同一ユーザーのプロフィールを保持する
	if kind == ChangeTokenRefreshed && a.session != nil && session != nil && a.session.UserID == session.UserID {
		a.session = session
		return
	}
	a.startLocked(session)
}

// startLocked は世代を進め、新しいセッションのプロフィール取得を開始する。
func (a *AuthState) startLocked(session *model.Session) {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.generation++
	a.session = session
	a.profile = nil
	a.err = nil

	if session == nil {
		a.resolving = false
		a.signalLocked()
		return
	}

	a.resolving = true
	a.signalLocked()
	a.ready = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.load(ctx, a.generation, session.Token, a.ready)
}

func (a *AuthState) load(ctx context.Context, gen uint64, token string, done chan struct{}) {
	p, err := a.profiles.Resolve(ctx, token)

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return
	}
	a.profile = p
	a.err = err
	a.resolving = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	close(done)
}

// signalLocked は取得待ちのWaitを解放する。
func (a *AuthState) signalLocked() {
	select {
	case <-a.ready:
	default:
		close(a.ready)
	}
}

// Snapshot は現在の認証状態を返す。
func (a *AuthState) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *AuthState) snapshotLocked() Snapshot {
	snap := Snapshot{Resolving: a.resolving, Err: a.err}
	if a.session != nil {
		s := *a.session
		snap.Session = &s
	}
	if a.profile != nil {
		p := *a.profile
		snap.Profile = &p
	}
	if !a.resolving {
		snap.Level = approval.Classify(snap.Session != nil, snap.Profile)
	}
	return snap
}

// Wait はプロフィール取得が完了するまで待ち、その時点の状態を返す。
func (a *AuthState) Wait(ctx context.Context) (Snapshot, error) {
	for {
		a.mu.Lock()
		if !a.resolving {
			snap := a.snapshotLocked()
			a.mu.Unlock()
			return snap, nil
		}
		ready := a.ready
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-ready:
		}
	}
}

// Reload は現在のセッションでプロフィールを再取得する。
// 管理者による承認後など、ステータスの変化を反映する場合に使う。
func (a *AuthState) Reload() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.session == nil {
		return
	}
	a.startLocked(a.session)
}

// Guard は現在の状態でページを表示できるかを判定する。
func (a *AuthState) Guard(requireAuth, requireAdmin bool, requestedPath string, opts guard.Options) guard.Decision {
	snap := a.Snapshot()
	return guard.Decide(guard.Input{
		RequireAuth:   requireAuth,
		RequireAdmin:  requireAdmin,
		Resolving:     snap.Resolving,
		Session:       snap.Session,
		Profile:       snap.Profile,
		RequestedPath: requestedPath,
	}, opts)
}

// Close は購読を解除し、進行中の取得を中止する。
func (a *AuthState) Close() {
	a.mu.Lock()
	a.closed = true
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.generation++
	a.resolving = false
	a.signalLocked()
	a.mu.Unlock()

	a.unsubscribe()
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
