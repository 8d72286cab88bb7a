package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"

	"github.com/hitoshi/academico/internal/auth"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/profile"
)

const maxFullNameRunes = 120

// CreateUserInput は管理者によるアカウント作成の入力値。Roleが空の場合はuser。
type CreateUserInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

func (in CreateUserInput) validate() error {
	return auth.ToAPIError(validation.ValidateStruct(&in,
		validation.Field(&in.Email, auth.EmailRules()...),
		validation.Field(&in.Password, auth.PasswordRules()...),
		validation.Field(&in.Username, auth.UsernameRules()...),
		validation.Field(&in.FullName, validation.Required.Error("informe o nome completo")),
		validation.Field(&in.Role, roleRule()),
	))
}

// UpdateUserInput は管理者によるアカウント更新の入力値。nilの項目は変更しない。
// Passwordを変更した場合、対象ユーザーの全セッションを失効させる。
type UpdateUserInput struct {
	Username *string `json:"username,omitempty"`
	FullName *string `json:"full_name,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Role     *string `json:"role,omitempty"`
	Password *string `json:"password,omitempty"`
}

func roleRule() validation.Rule {
	return validation.In(
		string(model.RoleUser),
		string(model.RoleInstrutor),
		string(model.RoleCoordenador),
	).Error("função inválida")
}

// CreateUser は承認済みのアカウントを作成する。identityとprofileは同一トランザクションで作成される。
func (w *Workflow) CreateUser(ctx context.Context, actor Actor, in CreateUserInput) (*model.Profile, error) {
	action := model.AuditActionCreateUser
	if err := w.requireAdmin(ctx, actor, action); err != nil {
		return nil, err
	}

	in.Email = auth.NormalizeEmail(in.Email)
	in.Username = auth.NormalizeUsername(in.Username)
	in.FullName = w.sanitizer.SanitizeText(in.FullName, maxFullNameRunes)
	in.Role = strings.ToLower(strings.TrimSpace(in.Role))
	if in.Role == "" {
		in.Role = string(model.RoleUser)
	}
	if err := in.validate(); err != nil {
		return nil, w.reject(action, err)
	}

	p, err := w.createApproved(ctx, in, false)
	if err != nil {
		return nil, w.reject(action, err)
	}

	w.succeed(ctx, actor, p.UserID, action, map[string]any{
		"email":    p.Email,
		"username": p.Username,
		"role":     string(p.Role),
	})
	return p, nil
}

func (w *Workflow) createApproved(ctx context.Context, in CreateUserInput, isAdmin bool) (*model.Profile, error) {
	hash, err := auth.HashPassword(in.Password, w.bcryptCost)
	if err != nil {
		return nil, err
	}

	now := w.now()
	identity := &model.Identity{
		ID:           uuid.New().String(),
		Email:        in.Email,
		PasswordHash: hash,
		Provider:     model.ProviderEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	p := &model.Profile{
		ID:        uuid.New().String(),
		UserID:    identity.ID,
		Email:     in.Email,
		Username:  in.Username,
		FullName:  in.FullName,
		IsAdmin:   isAdmin,
		Role:      model.Role(in.Role),
		Status:    model.StatusApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.identities.CreateWithProfile(ctx, identity, p); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}
	return p, nil
}

// UpdateUser は対象ユーザーのプロフィール項目とパスワードを更新する。
// ステータスと管理者フラグは変更できない。
func (w *Workflow) UpdateUser(ctx context.Context, actor Actor, targetID string, in UpdateUserInput) (*model.Profile, error) {
	action := model.AuditActionUpdateUser
	if err := w.requireAdmin(ctx, actor, action); err != nil {
		return nil, err
	}

	p, err := w.profiles.FindByUserID(ctx, targetID)
	if err != nil {
		return nil, w.fail(action, fmt.Errorf("failed to fetch target profile: %w", err))
	}
	if p == nil {
		return nil, w.reject(action, model.NewProfileNotFoundError(targetID))
	}

	changes := map[string]any{}
	fields := map[string]string{}

	if in.Username != nil {
		username := auth.NormalizeUsername(*in.Username)
		if err := validation.Validate(username, auth.UsernameRules()...); err != nil {
			fields["username"] = err.Error()
		} else if username != p.Username {
			changes["username"] = username
			p.Username = username
		}
	}
	if in.FullName != nil {
		name := w.sanitizer.SanitizeText(*in.FullName, maxFullNameRunes)
		if name == "" {
			fields["full_name"] = "informe o nome completo"
		} else if name != p.FullName {
			changes["full_name"] = name
			p.FullName = name
		}
	}
	if in.Phone != nil {
		phone, err := profile.NormalizePhone(*in.Phone, profile.DefaultPhoneRegion)
		if err != nil {
			return nil, w.reject(action, err)
		}
		if phone != p.Phone {
			changes["phone"] = phone
			p.Phone = phone
		}
	}
	if in.Role != nil {
		role := strings.ToLower(strings.TrimSpace(*in.Role))
		if err := validation.Validate(role, validation.Required.Error("função inválida"), roleRule()); err != nil {
			fields["role"] = err.Error()
		} else if model.Role(role) != p.Role {
			changes["role"] = role
			p.Role = model.Role(role)
		}
	}
	if in.Password != nil {
		if err := validation.Validate(*in.Password, auth.PasswordRules()...); err != nil {
			fields["password"] = err.Error()
		}
	}
	if len(fields) > 0 {
		return nil, w.reject(action, model.NewValidationError(fields))
	}

	if len(changes) > 0 {
		p.UpdatedAt = w.now()
		if err := w.profiles.Update(ctx, p); err != nil {
			return nil, w.reject(action, err)
		}
	}

	if in.Password != nil {
		hash, err := auth.HashPassword(*in.Password, w.bcryptCost)
		if err != nil {
			return nil, w.fail(action, err)
		}
		if err := w.identities.UpdatePasswordHash(ctx, targetID, hash); err != nil {
			return nil, w.fail(action, fmt.Errorf("failed to update password: %w", err))
		}
		if err := w.sessions.DeleteByUserID(ctx, targetID); err != nil {
			return nil, w.fail(action, fmt.Errorf("failed to revoke sessions: %w", err))
		}
		// パスワード本体は記録しない
		changes["password"] = "changed"
	}

	w.succeed(ctx, actor, targetID, action, changes)
	return p, nil
}

// BootstrapInput は初期管理者の作成に使用する入力値。
type BootstrapInput struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Username string `yaml:"username"`
	FullName string `yaml:"full_name"`
}

// ErrAdminExists は別の管理者が既に存在する環境でBootstrapを実行した場合に返される。
var ErrAdminExists = errors.New("an administrator already exists")

// Bootstrap は管理者が存在しない環境で初期管理者を用意する。
// メールアドレスが既に登録されている場合はそのユーザーを承認して管理者にし、
// 存在しない場合は承認済みの管理者を作成する。実行者はシステムとして監査ログに記録する。
// 別のユーザーが既に管理者であればErrAdminExistsを返す。同じユーザーに対する再実行は成功する。
func (w *Workflow) Bootstrap(ctx context.Context, in BootstrapInput) (*model.Profile, error) {
	action := model.AuditActionBootstrap
	email := auth.NormalizeEmail(in.Email)

	identity, err := w.identities.FindByEmail(ctx, email)
	if err != nil {
		return nil, w.fail(action, fmt.Errorf("failed to find identity: %w", err))
	}

	approved, err := w.profiles.ListByStatus(ctx, model.StatusApproved)
	if err != nil {
		return nil, w.fail(action, fmt.Errorf("failed to list approved profiles: %w", err))
	}
	for _, existing := range approved {
		if existing.IsAdmin && (identity == nil || existing.UserID != identity.ID) {
			return nil, w.fail(action, fmt.Errorf("%w: %s", ErrAdminExists, existing.Email))
		}
	}

	var p *model.Profile
	if identity == nil {
		create := CreateUserInput{
			Email:    email,
			Password: in.Password,
			Username: auth.NormalizeUsername(in.Username),
			FullName: w.sanitizer.SanitizeText(in.FullName, maxFullNameRunes),
			Role:     string(model.RoleCoordenador),
		}
		if err := create.validate(); err != nil {
			return nil, w.reject(action, err)
		}
		p, err = w.createApproved(ctx, create, true)
		if err != nil {
			return nil, w.reject(action, err)
		}
	} else {
		p, err = w.promoteExisting(ctx, identity.ID)
		if err != nil {
			return nil, w.reject(action, err)
		}
	}

	w.succeed(ctx, Actor{}, p.UserID, action, map[string]any{"email": p.Email, "is_admin": true})
	return p, nil
}

func (w *Workflow) promoteExisting(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := w.profiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if p == nil {
		return nil, model.NewProfileNotFoundError(userID)
	}
	if p.Status == model.StatusRejected {
		return nil, model.NewNotApprovedError(p.Status)
	}
	if p.Status == model.StatusPending {
		p, err = w.profiles.UpdateStatus(ctx, userID, model.StatusPending, model.StatusApproved, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to approve profile: %w", err)
		}
		if p == nil {
			return nil, model.NewProfileNotFoundError(userID)
		}
	}
	if p.IsAdmin {
		return p, nil
	}
	updated, err := w.profiles.SetAdmin(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to set admin flag: %w", err)
	}
	if updated == nil {
		return nil, model.NewProfileNotFoundError(userID)
	}
	return updated, nil
}
