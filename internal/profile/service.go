package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/nyaruka/phonenumbers"

	"github.com/hitoshi/academico/internal/auth"
	"github.com/hitoshi/academico/internal/model"
	"github.com/hitoshi/academico/internal/repository"
	"github.com/hitoshi/academico/internal/security"
)

// DefaultPhoneRegion は国番号なしの電話番号を解釈する地域。
const DefaultPhoneRegion = "BR"

const maxFullNameRunes = 120

// UpdateInput は本人が編集できるプロフィール項目。nilの項目は変更しない。
// ロール、ステータス、管理者フラグは含まない。
type UpdateInput struct {
	Username  *string `json:"username,omitempty"`
	FullName  *string `json:"full_name,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// Service は本人によるプロフィール編集を提供する。
type Service struct {
	profiles  repository.ProfileRepository
	sanitizer security.TextSanitizer
	urlGuard  security.URLGuard
	region    string
}

// NewService はServiceを生成する。
func NewService(profiles repository.ProfileRepository, sanitizer security.TextSanitizer, urlGuard security.URLGuard) *Service {
	return &Service{
		profiles:  profiles,
		sanitizer: sanitizer,
		urlGuard:  urlGuard,
		region:    DefaultPhoneRegion,
	}
}

// UpdateOwn は本人のプロフィールを更新し、更新後のプロフィールを返す。
// 電話番号はE.164形式に正規化し、アバターURLは画像として到達できることを確認する。
func (s *Service) UpdateOwn(ctx context.Context, userID string, in UpdateInput) (*model.Profile, error) {
	p, err := s.profiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if p == nil {
		return nil, model.NewProfileNotFoundError(userID)
	}

	if in.Username != nil {
		username := auth.NormalizeUsername(*in.Username)
		if err := validation.Validate(username, auth.UsernameRules()...); err != nil {
			return nil, model.NewValidationError(map[string]string{"username": err.Error()})
		}
		p.Username = username
	}

	if in.FullName != nil {
		name := s.sanitizer.SanitizeText(*in.FullName, maxFullNameRunes)
		if name == "" {
			return nil, model.NewValidationError(map[string]string{"full_name": "informe o nome completo"})
		}
		p.FullName = name
	}

	if in.Phone != nil {
		phone, err := NormalizePhone(*in.Phone, s.region)
		if err != nil {
			return nil, err
		}
		p.Phone = phone
	}

	if in.AvatarURL != nil {
		avatar := strings.TrimSpace(*in.AvatarURL)
		if avatar != "" {
			if err := s.checkAvatar(ctx, avatar); err != nil {
				return nil, err
			}
		}
		p.AvatarURL = avatar
	}

	p.UpdatedAt = time.Now()
	if err := s.profiles.Update(ctx, p); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	slog.Info("profile updated", slog.String("user_id", userID))
	return p, nil
}

func (s *Service) checkAvatar(ctx context.Context, avatar string) error {
	if err := s.urlGuard.ValidateURL(avatar); err != nil {
		slog.Warn("avatar url rejected",
			slog.String("url", avatar),
			slog.String("error", err.Error()),
		)
		return model.NewInvalidAvatarURLError("endereço não permitido")
	}
	if err := s.urlGuard.VerifyImage(ctx, avatar); err != nil {
		slog.Warn("avatar check failed",
			slog.String("url", avatar),
			slog.String("error", err.Error()),
		)
		return model.NewInvalidAvatarURLError("a URL não aponta para uma imagem acessível")
	}
	return nil
}

// NormalizePhone は電話番号をE.164形式に正規化する。空文字列は空文字列のまま返す。
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", model.NewInvalidPhoneError()
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
