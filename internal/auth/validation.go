package auth

import (
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/hitoshi/academico/internal/model"
)

const (
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 8
	// MaxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
	MaxPasswordBytes = 72
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,29}$`)

// SignUpInput はサインアップの入力値。
type SignUpInput struct {
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	Username             string `json:"username"`
	FullName             string `json:"full_name"`
}

// Normalize はメールアドレスとユーザー名を正規化したコピーを返す。
func (in SignUpInput) Normalize() SignUpInput {
	in.Email = NormalizeEmail(in.Email)
	in.Username = NormalizeUsername(in.Username)
	in.FullName = strings.TrimSpace(in.FullName)
	return in
}

// Validate は入力値を検証する。エラーは*model.APIError（VALIDATION_FAILED）で返す。
func (in SignUpInput) Validate() error {
	return ToAPIError(validation.ValidateStruct(&in,
		validation.Field(&in.Email, EmailRules()...),
		validation.Field(&in.Password, PasswordRules()...),
		validation.Field(&in.PasswordConfirmation,
			validation.Required.Error("confirme a senha"),
			validation.By(equalsString(in.Password)),
		),
		validation.Field(&in.Username, UsernameRules()...),
		validation.Field(&in.FullName,
			validation.Required.Error("informe o nome completo"),
			validation.Length(1, 120).Error("o nome deve ter no máximo 120 caracteres"),
		),
	))
}

// ResetPasswordInput はパスワード再設定の入力値。
type ResetPasswordInput struct {
	Token                string `json:"token"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// Validate は入力値を検証する。
func (in ResetPasswordInput) Validate() error {
	return ToAPIError(validation.ValidateStruct(&in,
		validation.Field(&in.Token, validation.Required.Error("token ausente")),
		validation.Field(&in.Password, PasswordRules()...),
		validation.Field(&in.PasswordConfirmation,
			validation.Required.Error("confirme a senha"),
			validation.By(equalsString(in.Password)),
		),
	))
}

// EmailRules はメールアドレスの検証ルールを返す。
func EmailRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error("informe o e-mail"),
		validation.Length(3, 254).Error("e-mail muito longo"),
		is.Email.Error("e-mail inválido"),
	}
}

// PasswordRules はパスワードの検証ルールを返す。
func PasswordRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error("informe a senha"),
		validation.Length(MinPasswordLength, 0).Error("a senha deve ter pelo menos 8 caracteres"),
		validation.By(func(value interface{}) error {
			s, _ := value.(string)
			if len(s) > MaxPasswordBytes {
				return errors.New("a senha deve ter no máximo 72 bytes")
			}
			return nil
		}),
	}
}

// UsernameRules はユーザー名の検証ルールを返す。NormalizeUsername適用後の値に使用する。
func UsernameRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error("informe o nome de usuário"),
		validation.Match(usernamePattern).Error("use de 3 a 30 caracteres: letras minúsculas, números, ponto, hífen ou sublinhado"),
	}
}

func equalsString(expected string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s != expected {
			return errors.New("as senhas não conferem")
		}
		return nil
	}
}

// NormalizeEmail は前後の空白を除去し、ドメイン部を小文字のASCII（Punycode）表記に変換する。
// ローカル部はそのまま保持する。
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return email
	}
	local, domain := email[:at], strings.ToLower(email[at+1:])
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		domain = ascii
	}
	return local + "@" + domain
}

// NormalizeUsername はユーザー名をNFKC正規化し、小文字化する。
// 全角英数字などは半角に揃う。
func NormalizeUsername(username string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(username)))
}

// ToAPIError はozzo-validationのエラーをVALIDATION_FAILEDの*model.APIErrorに変換する。
// それ以外のエラーはそのまま返す。
func ToAPIError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for field, fe := range verrs {
			fields[field] = fe.Error()
		}
		return model.NewValidationError(fields)
	}
	return err
}
