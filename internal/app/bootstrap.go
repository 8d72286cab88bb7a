package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/hitoshi/academico/internal/admin"
	"github.com/hitoshi/academico/internal/config"
	"github.com/hitoshi/academico/internal/metrics"
)

// bootstrapPasswordEnv はシードファイルにパスワードがない場合に参照する環境変数。
const bootstrapPasswordEnv = "BOOTSTRAP_ADMIN_PASSWORD"

// loadBootstrapSeed はYAMLのシードファイルから初期管理者の入力値を読み込む。
// 未知のキーはエラーにする。
func loadBootstrapSeed(path string) (admin.BootstrapInput, error) {
	var in admin.BootstrapInput

	data, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("failed to read bootstrap seed: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(data, &in, yaml.Strict()); err != nil {
		return in, fmt.Errorf("failed to parse bootstrap seed %s: %w", path, err)
	}
	if in.Password == "" {
		in.Password = os.Getenv(bootstrapPasswordEnv)
	}
	if in.Email == "" || in.Password == "" {
		return in, fmt.Errorf("bootstrap seed requires email and password (or %s)", bootstrapPasswordEnv)
	}
	return in, nil
}

// runBootstrap はシードファイルから初期管理者を作成する。
// 既に存在するユーザーの場合は承認して管理者にする。同じシードで何度実行しても結果は同じ。
// 別のユーザーが既に管理者の場合は何も変更せずに失敗する。
func runBootstrap(cfg *config.Config, seedPath string) error {
	in, err := loadBootstrapSeed(seedPath)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	svc, err := buildServices(ctx, cfg, db, metrics.Nop{}, slog.Default())
	if err != nil {
		return err
	}
	defer svc.Close()

	p, err := svc.admin.Bootstrap(ctx, in)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	slog.Info("bootstrap admin ready",
		slog.String("user_id", p.UserID),
		slog.String("email", p.Email),
	)
	return nil
}
