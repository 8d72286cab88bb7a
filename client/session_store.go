package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/academico/internal/auth"
	"github.com/hitoshi/academico/internal/model"
)

// ChangeKind はセッション変更の種類。
type ChangeKind string

const (
	ChangeSignedIn       ChangeKind = "signed_in"
	ChangeSignedOut      ChangeKind = "signed_out"
	ChangeTokenRefreshed ChangeKind = "token_refreshed"
)

// Listener はセッション変更の通知を受け取る関数。サインアウト時のsessionはnil。
type Listener func(kind ChangeKind, session *model.Session)

// DefaultRefreshThreshold は有効期限のこの時間前からリフレッシュを行う閾値。
const DefaultRefreshThreshold = 5 * time.Minute

// SessionStore は現在のセッションを保持し、変更をリスナーに通知する。
// 状態遷移は直列化され、通知は状態更新後に登録順で同期的に配信される。
// リスナー内からSignIn等の遷移メソッドを呼び出してはならない。
type SessionStore struct {
	api       *Client
	threshold time.Duration
	now       func() time.Time

	transition sync.Mutex

	mu        sync.RWMutex
	session   *model.Session
	listeners []listenerEntry
	nextID    int
}

type listenerEntry struct {
	id int
	fn Listener
}

// SessionOption はSessionStoreの設定を変更する。
type SessionOption func(*SessionStore)

// WithRefreshThreshold はEnsureFreshがリフレッシュを行う残り時間の閾値を設定する。
func WithRefreshThreshold(d time.Duration) SessionOption {
	return func(s *SessionStore) { s.threshold = d }
}

// WithClock はテスト用に現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionStore) { s.now = now }
}

// NewSessionStore は未認証状態のSessionStoreを生成する。
func NewSessionStore(api *Client, opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		api:       api,
		threshold: DefaultRefreshThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSession は現在のセッションのコピーを返す。未認証の場合はnil。
func (s *SessionStore) GetSession() *model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	return &cp
}

// Token は現在のセッショントークンを返す。未認証の場合は空文字列。
func (s *SessionStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.Token
}

// OnChange はリスナーを登録し、登録解除用の関数を返す。
// 登録解除関数は複数回呼び出しても安全。
func (s *SessionStore) OnChange(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SignIn はメールアドレスまたはユーザー名とパスワードでサインインする。
// 失敗した場合、ストアは未認証状態になる。
func (s *SessionStore) SignIn(ctx context.Context, identifier, password string) (*model.Session, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	body := map[string]string{"identifier": identifier, "password": password}
	return s.establish(ctx, http.MethodPost, "/auth/login", "", body, ChangeSignedIn)
}

// SignUp はアカウントを作成し、そのままサインインする。
// 作成直後のプロフィールは承認待ち状態となる。
func (s *SessionStore) SignUp(ctx context.Context, in auth.SignUpInput) (*model.Session, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	return s.establish(ctx, http.MethodPost, "/auth/signup", "", in, ChangeSignedIn)
}

// Restore は保存済みのトークンからセッションを復元する。
// トークンが無効な場合はnil, nilを返し、ストアは未認証状態になる。
func (s *SessionStore) Restore(ctx context.Context, token string) (*model.Session, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	var resp struct {
		Session *model.Session `json:"session"`
	}
	if err := s.api.do(ctx, http.MethodGet, "/auth/session", token, nil, &resp); err != nil {
		s.clear()
		return nil, err
	}
	if resp.Session == nil {
		s.clear()
		return nil, nil
	}
	if resp.Session.Token == "" {
		resp.Session.Token = token
	}
	s.set(resp.Session, ChangeSignedIn)
	return s.GetSession(), nil
}

// SignOut はサーバー側のセッションを無効化し、ローカルの状態を破棄する。
// サーバー呼び出しが失敗してもローカルの状態は破棄され、エラーを返す。
// 未認証状態で呼び出した場合は何もしない。
func (s *SessionStore) SignOut(ctx context.Context) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	token := s.Token()
	if token == "" {
		return nil
	}

	err := s.api.do(ctx, http.MethodPost, "/auth/logout", token, nil, nil)
	s.clear()
	return err
}

// EnsureFresh は有効期限が閾値以内に迫っていればトークンをリフレッシュする。
// 未認証の場合はnil, nilを返す。リフレッシュに失敗した場合は未認証状態になる。
func (s *SessionStore) EnsureFresh(ctx context.Context) (*model.Session, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	current := s.GetSession()
	if current == nil {
		return nil, nil
	}
	if current.ExpiresAt.Sub(s.now()) > s.threshold {
		return current, nil
	}

	return s.establish(ctx, http.MethodPost, "/auth/refresh", current.Token, nil, ChangeTokenRefreshed)
}

// establish はセッションを返すエンドポイントを呼び出し、結果をストアに反映する。
// transitionロックを保持した状態で呼び出すこと。
func (s *SessionStore) establish(ctx context.Context, method, path, token string, body any, kind ChangeKind) (*model.Session, error) {
	var session model.Session
	if err := s.api.do(ctx, method, path, token, body, &session); err != nil {
		s.clear()
		return nil, err
	}
	s.set(&session, kind)
	return s.GetSession(), nil
}

func (s *SessionStore) set(session *model.Session, kind ChangeKind) {
	s.mu.Lock()
	s.session = session
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	cp := *session
	for _, fn := range listeners {
		fn(kind, &cp)
	}
}

// clear はローカルのセッションを破棄する。認証済みだった場合のみ通知する。
func (s *SessionStore) clear() {
	s.mu.Lock()
	had := s.session != nil
	s.session = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if !had {
		return
	}
	for _, fn := range listeners {
		fn(ChangeSignedOut, nil)
	}
}

func (s *SessionStore) snapshotListeners() []Listener {
	fns := make([]Listener, len(s.listeners))
	for i, l := range s.listeners {
		fns[i] = l.fn
	}
	return fns
}
