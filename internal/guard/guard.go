// Package guard はセッションとプロフィールから画面表示の可否を判定するルートガードを提供する。
package guard

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/academico/internal/approval"
	"github.com/hitoshi/academico/internal/model"
)

// Kind は判定結果の種類。
type Kind string

const (
	KindLoading      Kind = "loading"
	KindRedirect     Kind = "redirect"
	KindInterstitial Kind = "interstitial"
	KindRender       Kind = "render"
)

// Interstitial はブロッキング画面の種類。
type Interstitial string

const (
	InterstitialPending    Interstitial = "pending"
	InterstitialRejected   Interstitial = "rejected"
	InterstitialRestricted Interstitial = "restricted"
)

// Options はリダイレクト先の設定。
type Options struct {
	LoginPath   string // 未認証時のリダイレクト先
	DefaultPath string // 認証済みユーザーが公開専用ページにアクセスした場合のリダイレクト先
}

// DefaultOptions はデフォルトのリダイレクト先を返す。
func DefaultOptions() Options {
	return Options{LoginPath: "/login", DefaultPath: "/dashboard"}
}

// Input は判定に必要な入力。
// RequireAuthがfalseのページはログインページ等の公開専用ページとして扱う。
type Input struct {
	RequireAuth   bool
	RequireAdmin  bool
	Resolving     bool // セッションまたはプロフィールを取得中
	Session       *model.Session
	Profile       *model.Profile
	RequestedPath string
}

// Decision はルートガードの判定結果。
type Decision struct {
	Kind            Kind                 `json:"kind"`
	RedirectTo      string               `json:"redirect_to,omitempty"`
	Interstitial    Interstitial         `json:"interstitial,omitempty"`
	RejectionReason *string              `json:"rejection_reason,omitempty"`
	Level           approval.AccessLevel `json:"access_level"`
}

// Decide はセッションとプロフィールの状態から表示内容を決定する。副作用を持たない。
func Decide(in Input, opts Options) Decision {
	if in.Resolving {
		return Decision{Kind: KindLoading}
	}

	level := approval.Classify(in.Session != nil, in.Profile)

	if !in.RequireAuth {
		if in.Session != nil {
			return Decision{Kind: KindRedirect, RedirectTo: opts.DefaultPath, Level: level}
		}
		return Decision{Kind: KindRender, Level: level}
	}

	if in.Session == nil {
		return Decision{Kind: KindRedirect, RedirectTo: LoginRedirect(opts.LoginPath, in.RequestedPath), Level: level}
	}

	switch level {
	case approval.LevelPending:
		return Decision{Kind: KindInterstitial, Interstitial: InterstitialPending, Level: level}
	case approval.LevelRejected:
		d := Decision{Kind: KindInterstitial, Interstitial: InterstitialRejected, Level: level}
		if r := in.Profile.RejectionReason; r != nil && *r != "" {
			reason := *r
			d.RejectionReason = &reason
		}
		return d
	}

	if in.RequireAdmin && level != approval.LevelAdmin {
		return Decision{Kind: KindInterstitial, Interstitial: InterstitialRestricted, Level: level}
	}

	return Decision{Kind: KindRender, Level: level}
}

// LoginRedirect はログイン後に元のページへ戻るためのリダイレクトURLを生成する。
// 同一オリジンの絶対パス以外は保持しない。
func LoginRedirect(loginPath, requested string) string {
	if !IsSafeReturnPath(requested) || requested == loginPath {
		return loginPath
	}
	return loginPath + "?redirect=" + url.QueryEscape(requested)
}

// IsSafeReturnPath はログイン後の戻り先として使用できるパスかどうかを返す。
func IsSafeReturnPath(p string) bool {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	u, err := url.Parse(p)
	return err == nil && u.Scheme == "" && u.Host == ""
}

// HTTPError は判定結果をAPIレスポンス用のステータスコードとエラーに変換する。
// 表示可能な場合はnilを返す。
func (d Decision) HTTPError() (int, *model.APIError) {
	switch d.Kind {
	case KindRedirect:
		if d.Level == approval.LevelUnauthenticated {
			return http.StatusUnauthorized, model.NewUnauthorizedError()
		}
		return http.StatusConflict, model.NewAlreadyAuthenticatedError(d.RedirectTo)
	case KindInterstitial:
		switch d.Interstitial {
		case InterstitialPending:
			return http.StatusForbidden, model.NewAccountPendingError()
		case InterstitialRejected:
			return http.StatusForbidden, model.NewAccountRejectedError(d.RejectionReason)
		default:
			return http.StatusForbidden, model.NewAdminRequiredError()
		}
	case KindLoading:
		return http.StatusServiceUnavailable, model.NewServiceUnavailableError()
	}
	return 0, nil
}
