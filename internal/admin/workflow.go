// Package admin は管理者によるユーザー承認・却下・昇格と、管理者によるアカウント作成・更新を提供する。
// すべての操作は呼び出し元が承認済みの管理者であることをサーバー側で検証してから実行する。
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/academico/internal/approval"
	"github.com/hitoshi/academico/internal/metrics"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/repository"
	"github.com/hitoshi/academico/internal/security"
)

const maxReasonRunes = 500

// 監査ログ取得件数の上限
const auditListLimit = 50

// Actor は管理操作の実行者。IPは監査ログに記録する。
type Actor struct {
	UserID string
	IP     string
}

// Deps は管理ワークフローの依存関係。
type Deps struct {
	Identities repository.IdentityRepository
	Profiles   repository.ProfileRepository
	Sessions   repository.SessionRepository
	Audit      repository.AuditRepository
	Sanitizer  security.TextSanitizer
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
	BcryptCost int
}

// Workflow は管理操作のビジネスロジックを提供する。
type Workflow struct {
	identities repository.IdentityRepository
	profiles   repository.ProfileRepository
	sessions   repository.SessionRepository
	audit      repository.AuditRepository
	sanitizer  security.TextSanitizer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	bcryptCost int
	now        func() time.Time
}

// NewWorkflow はWorkflowを生成する。
func NewWorkflow(deps Deps) *Workflow {
	w := &Workflow{
		identities: deps.Identities,
		profiles:   deps.Profiles,
		sessions:   deps.Sessions,
		audit:      deps.Audit,
		sanitizer:  deps.Sanitizer,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		bcryptCost: deps.BcryptCost,
		now:        time.Now,
	}
	if w.sanitizer == nil {
		w.sanitizer = security.NewTextSanitizer()
	}
	if w.metrics == nil {
		w.metrics = metrics.Nop{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// IsAdmin はユーザーが承認済みの管理者かどうかを返す。
func (w *Workflow) IsAdmin(ctx context.Context, userID string) (bool, error) {
	p, err := w.profiles.FindByUserID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch actor profile: %w", err)
	}
	return approval.Classify(true, p) == approval.LevelAdmin, nil
}

// ListPending は承認待ちのプロフィールを作成日時の古い順に返す。
func (w *Workflow) ListPending(ctx context.Context, actor Actor) ([]*model.Profile, error) {
	if err := w.requireAdmin(ctx, actor, "list_pending"); err != nil {
		return nil, err
	}
	profiles, err := w.profiles.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending profiles: %w", err)
	}
	return profiles, nil
}

// Approve は承認待ちのユーザーを承認する。
func (w *Workflow) Approve(ctx context.Context, actor Actor, targetID string) (*model.Profile, error) {
	return w.transition(ctx, actor, targetID, model.StatusApproved, nil, model.AuditActionApprove)
}

// Reject は承認待ちのユーザーを却下する。理由は任意で、HTMLを除去して保存する。
func (w *Workflow) Reject(ctx context.Context, actor Actor, targetID, reason string) (*model.Profile, error) {
	var r *string
	if cleaned := w.sanitizer.SanitizeText(reason, maxReasonRunes); cleaned != "" {
		r = &cleaned
	}
	return w.transition(ctx, actor, targetID, model.StatusRejected, r, model.AuditActionReject)
}

func (w *Workflow) transition(ctx context.Context, actor Actor, targetID string, to model.ProfileStatus, reason *string, action string) (*model.Profile, error) {
	if err := w.requireAdmin(ctx, actor, action); err != nil {
		return nil, err
	}

	target, err := w.profiles.FindByUserID(ctx, targetID)
	if err != nil {
		return nil, w.fail(action, fmt.Errorf("failed to fetch target profile: %w", err))
	}
	if target == nil {
		return nil, w.reject(action, model.NewProfileNotFoundError(targetID))
	}
	if err := approval.CheckTransition(target, to); err != nil {
		return nil, w.reject(action, err)
	}

	updated, err := w.profiles.UpdateStatus(ctx, targetID, target.Status, to, reason)
	if err != nil {
		return nil, w.fail(action, fmt.Errorf("failed to update profile status: %w", err))
	}
	if updated == nil {
		// 確認後に他の管理者が状態を変更したか、削除された
		current, err := w.profiles.FindByUserID(ctx, targetID)
		if err != nil {
			return nil, w.fail(action, fmt.Errorf("failed to fetch target profile: %w", err))
		}
		if current == nil {
			return nil, w.reject(action, model.NewProfileNotFoundError(targetID))
		}
		return nil, w.reject(action, model.NewInvalidTransitionError(current.Status, to))
	}

	changes := map[string]any{"from": string(target.Status), "to": string(to)}
	if reason != nil {
		changes["rejection_reason"] = *reason
	}
	w.succeed(ctx, actor, targetID, action, changes)
	return updated, nil
}

// Promote は承認済みのユーザーを管理者に昇格する。
// 自分自身、既に管理者のユーザー、承認済みでないユーザーは昇格できない。
func (w *Workflow) Promote(ctx context.Context, actor Actor, targetID string) (*model.Profile, error) {
	action := model.AuditActionPromote
	if err := w.requireAdmin(ctx, actor, action); err != nil {
		return nil, err
	}

	target, err := w.profiles.FindByUserID(ctx, targetID)
	if err != nil {
		return nil, w.fail(action, fmt.Errorf("failed to fetch target profile: %w", err))
	}
	if target == nil {
		return nil, w.reject(action, model.NewProfileNotFoundError(targetID))
	}
	if err := approval.CheckPromotion(actor.UserID, target); err != nil {
		return nil, w.reject(action, err)
	}

	updated, err := w.profiles.SetAdmin(ctx, targetID, true)
	if err != nil {
		return nil, w.fail(action, fmt.Errorf("failed to promote user: %w", err))
	}
	if updated == nil {
		return nil, w.reject(action, model.NewProfileNotFoundError(targetID))
	}

	w.succeed(ctx, actor, targetID, action, map[string]any{"is_admin": true})
	return updated, nil
}

// AuditTrail は対象ユーザーに関する監査ログを新しい順に返す。
func (w *Workflow) AuditTrail(ctx context.Context, actor Actor, targetID string) ([]*model.AuditLog, error) {
	if err := w.requireAdmin(ctx, actor, "audit_trail"); err != nil {
		return nil, err
	}
	entries, err := w.audit.ListByTarget(ctx, targetID, auditListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return entries, nil
}

// requireAdmin は実行者が承認済みの管理者であることを検証する。
// 管理者でない場合は状態を変更せずADMIN_REQUIREDを返す。
func (w *Workflow) requireAdmin(ctx context.Context, actor Actor, action string) error {
	if actor.UserID == "" {
		w.metrics.RecordAdminAction(action, metrics.ResultForbidden)
		return model.NewUnauthorizedError()
	}
	ok, err := w.IsAdmin(ctx, actor.UserID)
	if err != nil {
		return w.fail(action, err)
	}
	if !ok {
		w.metrics.RecordAdminAction(action, metrics.ResultForbidden)
		w.logger.Warn("admin action denied",
			slog.String("action", action),
			slog.String("actor_id", actor.UserID),
			slog.String("ip", actor.IP),
		)
		return model.NewAdminRequiredError()
	}
	return nil
}

func (w *Workflow) succeed(ctx context.Context, actor Actor, targetID, action string, changes map[string]any) {
	w.metrics.RecordAdminAction(action, metrics.ResultSuccess)
	w.logger.Info("admin action applied",
		slog.String("action", action),
		slog.String("actor_id", actor.UserID),
		slog.String("target_id", targetID),
	)
	w.writeAudit(ctx, actor, targetID, action, changes)
}

// writeAudit は監査ログを記録する。記録に失敗しても操作自体は成功として扱う。
func (w *Workflow) writeAudit(ctx context.Context, actor Actor, targetID, action string, changes map[string]any) {
	entry := &model.AuditLog{
		ID:        uuid.New().String(),
		ActorID:   actor.UserID,
		TargetID:  targetID,
		Action:    action,
		Changes:   changes,
		IPAddress: actor.IP,
		CreatedAt: w.now(),
	}
	if err := w.audit.Create(ctx, entry); err != nil {
		w.logger.Error("failed to write audit log",
			slog.String("action", action),
			slog.String("target_id", targetID),
			slog.String("error", err.Error()),
		)
	}
}

// reject はドメインエラーを記録して返す。
func (w *Workflow) reject(action string, err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		w.metrics.RecordAdminAction(action, metrics.ResultInvalid)
		return apiErr
	}
	return w.fail(action, err)
}

func (w *Workflow) fail(action string, err error) error {
	w.metrics.RecordAdminAction(action, metrics.ResultFailure)
	return err
}
