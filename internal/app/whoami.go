package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/hitoshi/academico/client"
	"github.com/hitoshi/academico/internal/approval"
	"github.com/hitoshi/academico/internal/guard"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/profile"
)

const (
	// whoamiAPIURLEnv は接続先APIのベースURL。未設定の場合はローカルのサーバーを使う。
	whoamiAPIURLEnv = "ACADEMICO_API_URL"
	// whoamiPasswordEnv はサインインに使うパスワードを渡す環境変数。
	whoamiPasswordEnv = "ACADEMICO_PASSWORD"
)

// whoamiReport はwhoamiサブコマンドの出力。
type whoamiReport struct {
	UserID    string               `json:"user_id"`
	Username  string               `json:"username,omitempty"`
	Status    model.ProfileStatus  `json:"status,omitempty"`
	Level     approval.AccessLevel `json:"access_level"`
	Role      *approval.RoleInfo   `json:"role,omitempty"`
	Dashboard guard.Decision       `json:"dashboard"`
	Admin     guard.Decision       `json:"admin"`
}

// whoamiAPIURL は接続先APIのベースURLを返す。
func whoamiAPIURL() string {
	if u := os.Getenv(whoamiAPIURLEnv); u != "" {
		return u
	}
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port
}

// whoamiIdentifier はwhoamiサブコマンドの引数からサインインに使う識別子を返す。
func whoamiIdentifier(args []string) string {
	if len(args) >= 2 {
		return args[1]
	}
	return ""
}

// runWhoami はAPIにサインインし、承認状態とルートガードの判定結果をJSONで書き出してからサインアウトする。
// アカウントの承認や管理者権限の付与が反映されたかを運用者が確認するために使う。
func runWhoami(ctx context.Context, w io.Writer, apiURL, identifier, password string, httpClient *http.Client) error {
	if identifier == "" || password == "" {
		return fmt.Errorf("whoami requires an identifier argument and %s", whoamiPasswordEnv)
	}

	api := client.New(apiURL, httpClient, slog.Default())
	sessions := client.NewSessionStore(api)
	state := client.NewAuthState(sessions, client.NewProfileResolver(api, profile.DefaultRetryConfig()))
	defer state.Close()

	if _, err := sessions.SignIn(ctx, identifier, password); err != nil {
		return fmt.Errorf("sign in failed: %w", err)
	}
	defer func() {
		if err := sessions.SignOut(context.Background()); err != nil {
			slog.Warn("failed to sign out", slog.String("error", err.Error()))
		}
	}()

	snap, err := state.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve profile: %w", err)
	}
	if snap.Err != nil && !errors.Is(snap.Err, profile.ErrProfileNotReady) {
		return fmt.Errorf("failed to resolve profile: %w", snap.Err)
	}

	opts := guard.DefaultOptions()
	report := whoamiReport{
		UserID:    snap.Session.UserID,
		Level:     snap.Level,
		Dashboard: state.Guard(true, false, opts.DefaultPath, opts),
		Admin:     state.Guard(true, true, "/admin", opts),
	}
	if snap.Profile != nil {
		report.Username = snap.Profile.Username
		report.Status = snap.Profile.Status
	}
	if info, ok := approval.RoleInfoFor(snap.Level); ok {
		report.Role = &info
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
