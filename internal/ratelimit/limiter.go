// Package ratelimit は(action, identifier)単位の固定ウィンドウ型レート制限を提供する。
// 判定は共有ストア（PostgreSQLまたはRedis）で行い、ストアに到達できない場合のみ
// プロセス内メモリで判定してDegradedを立てる。
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/academico/internal/model"
)

// Kind はレート制限の対象となる操作の種類。
type Kind string

const (
	KindLogin   Kind = "login"
	KindGeneral Kind = "general"
)

// Rule はウィンドウ内の最大試行回数と超過時のブロック時間。
type Rule struct {
	MaxAttempts int
	Window      time.Duration
	Block       time.Duration
}

// DefaultRules はデフォルトの制限ルールを返す。
// login: 15分間に5回、超過後30分ブロック。general: 1分間に100回、超過後5分ブロック。
func DefaultRules() map[Kind]Rule {
	return map[Kind]Rule{
		KindLogin:   {MaxAttempts: 5, Window: 15 * time.Minute, Block: 30 * time.Minute},
		KindGeneral: {MaxAttempts: 100, Window: time.Minute, Block: 5 * time.Minute},
	}
}

// Result はレート制限の判定結果。
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
	Degraded  bool      `json:"degraded"`
}

// Store はレート制限エントリの保存先。
// Applyはキー単位で排他的にfnを適用し、fnがnilを返した場合はエントリを削除する。
// repository.RateLimitRepositoryはこのインターフェースを満たす。
type Store interface {
	Apply(ctx context.Context, key string, fn func(current *model.RateLimitEntry) *model.RateLimitEntry) error
	Delete(ctx context.Context, key string) error
}

// Step はエントリの現在状態に1回分の試行を適用し、次の状態と判定結果を返す。
// すべてのストアがこの関数で判定するため、ストアによって結果が変わることはない。
func Step(cur *model.RateLimitEntry, key string, rule Rule, now time.Time) (*model.RateLimitEntry, Result) {
	if cur != nil && cur.Blocked {
		if now.Before(cur.BlockedUntil) {
			next := *cur
			return &next, Result{Allowed: false, Remaining: 0, ResetTime: cur.BlockedUntil}
		}
		cur = nil
	}

	if cur == nil || !now.Before(cur.WindowStart.Add(rule.Window)) {
		next := &model.RateLimitEntry{Key: key, Count: 1, WindowStart: now}
		return next, Result{Allowed: true, Remaining: rule.MaxAttempts - 1, ResetTime: now.Add(rule.Window)}
	}

	if cur.Count >= rule.MaxAttempts {
		next := *cur
		next.Blocked = true
		next.BlockedUntil = now.Add(rule.Block)
		return &next, Result{Allowed: false, Remaining: 0, ResetTime: next.BlockedUntil}
	}

	next := *cur
	next.Count++
	remaining := rule.MaxAttempts - next.Count
	return &next, Result{Allowed: true, Remaining: remaining, ResetTime: next.WindowStart.Add(rule.Window)}
}

// Limiter はレート制限の判定を行う。
type Limiter struct {
	store      Store
	fallback   *MemoryStore
	rules      map[Kind]Rule
	logger     *slog.Logger
	now        func() time.Time
	onDegraded func(kind Kind)
}

// Option はLimiterの設定を変更する。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRules は制限ルールを差し替える。
func WithRules(rules map[Kind]Rule) Option {
	return func(l *Limiter) {
		for k, r := range rules {
			l.rules[k] = r
		}
	}
}

// WithDegradedHook は縮退判定時に呼び出される関数を設定する（メトリクス用）。
func WithDegradedHook(fn func(kind Kind)) Option {
	return func(l *Limiter) {
		l.onDegraded = fn
	}
}

// NewLimiter はLimiterを生成する。storeがnilの場合は常にメモリで判定する。
func NewLimiter(store Store, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		rules:  DefaultRules(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.fallback = NewMemoryStore(l.now)
	return l
}

// Key は(action, identifier)からストアのキーを生成する。identifierは大文字小文字を区別しない。
func Key(kind Kind, identifier string) string {
	return string(kind) + ":" + strings.ToLower(strings.TrimSpace(identifier))
}

// Check は1回分の試行を記録し、許可されるかどうかを返す。
// 共有ストアがエラーを返した場合はメモリで判定し、Degraded=trueを返す。
func (l *Limiter) Check(ctx context.Context, identifier string, kind Kind) (Result, error) {
	rule, ok := l.rules[kind]
	if !ok {
		return Result{}, fmt.Errorf("unknown rate limit kind: %q", kind)
	}
	key := Key(kind, identifier)
	now := l.now()

	var result Result
	apply := func(cur *model.RateLimitEntry) *model.RateLimitEntry {
		next, res := Step(cur, key, rule, now)
		result = res
		return next
	}

	if l.store != nil {
		err := l.store.Apply(ctx, key, apply)
		if err == nil {
			return result, nil
		}
		l.logger.Warn("rate limit store unavailable, using local fallback",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}

	if err := l.fallback.Apply(ctx, key, apply); err != nil {
		return Result{}, fmt.Errorf("failed to apply local rate limit: %w", err)
	}
	result.Degraded = l.store != nil
	if result.Degraded && l.onDegraded != nil {
		l.onDegraded(kind)
	}
	return result, nil
}

// Reset は(action, identifier)のカウンタを消去する。ログイン成功時に使用する。
func (l *Limiter) Reset(ctx context.Context, identifier string, kind Kind) error {
	key := Key(kind, identifier)
	_ = l.fallback.Delete(ctx, key)
	if l.store == nil {
		return nil
	}
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

// Rule は指定した種類のルールを返す。
func (l *Limiter) Rule(kind Kind) (Rule, bool) {
	r, ok := l.rules[kind]
	return r, ok
}
