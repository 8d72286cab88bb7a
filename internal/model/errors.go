package model

import (
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string         // エラーコード
	Message  string         // エラーメッセージ
	Category string         // カテゴリ: auth, validation, admin, system
	Action   string         // ユーザー向け対処方法
	Details  map[string]any // 追加情報（バリデーションエラーのフィールド等）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeValidation          = "VALIDATION_FAILED"
	ErrCodeEmailTaken          = "EMAIL_TAKEN"
	ErrCodeUsernameTaken       = "USERNAME_TAKEN"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeProfileNotFound     = "PROFILE_NOT_FOUND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeSelfPromotion       = "SELF_PROMOTION"
	ErrCodeAlreadyAdmin        = "ALREADY_ADMIN"
	ErrCodeAccountPending      = "ACCOUNT_PENDING"
	ErrCodeAccountRejected     = "ACCOUNT_REJECTED"
	ErrCodeAdminRequired       = "ADMIN_REQUIRED"
	ErrCodeInvalidResetToken   = "INVALID_RESET_TOKEN"
	ErrCodeInvalidAvatarURL    = "INVALID_AVATAR_URL"
	ErrCodeInvalidPhone        = "INVALID_PHONE"
	ErrCodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeAlreadyAuthenticate = "ALREADY_AUTHENTICATED"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Autenticação necessária.",
		Category: "auth",
		Action:   "Faça login para continuar.",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// 存在しないユーザーとパスワード不一致を区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "E-mail, usuário ou senha inválidos.",
		Category: "auth",
		Action:   "Verifique os dados informados e tente novamente.",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError(resetAt time.Time) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Muitas tentativas. Acesso temporariamente bloqueado.",
		Category: "auth",
		Action:   fmt.Sprintf("Tente novamente após %s.", resetAt.UTC().Format(time.RFC3339)),
		Details:  map[string]any{"reset_time": resetAt.UTC()},
	}
}

// NewValidationError は入力検証エラーを生成する。fieldsにはフィールド名ごとのエラーを渡す。
func NewValidationError(fields map[string]string) *APIError {
	details := make(map[string]any, len(fields))
	for k, v := range fields {
		details[k] = v
	}
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  "Dados inválidos.",
		Category: "validation",
		Action:   "Corrija os campos indicados e envie novamente.",
		Details:  details,
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "Este e-mail já está cadastrado.",
		Category: "validation",
		Action:   "Use outro e-mail ou recupere a sua senha.",
	}
}

// NewUsernameTakenError はユーザー名重複エラーを生成する。
func NewUsernameTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  "Este nome de usuário já está em uso.",
		Category: "validation",
		Action:   "Escolha outro nome de usuário.",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "Você não tem permissão para executar esta ação.",
		Category: "admin",
		Action:   "Solicite acesso a um administrador.",
	}
}

// NewProfileNotFoundError は対象プロフィール未検出エラーを生成する。
func NewProfileNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  fmt.Sprintf("Usuário não encontrado: %s", userID),
		Category: "admin",
		Action:   "Atualize a lista e tente novamente.",
	}
}

// NewInvalidTransitionError は承認状態の不正な遷移エラーを生成する。
func NewInvalidTransitionError(from, to ProfileStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("Transição de status inválida: %s → %s", from, to),
		Category: "admin",
		Action:   "Apenas cadastros pendentes podem ser aprovados ou rejeitados.",
		Details:  map[string]any{"from": string(from), "to": string(to)},
	}
}

// NewSelfPromotionError は自分自身の昇格エラーを生成する。
func NewSelfPromotionError() *APIError {
	return &APIError{
		Code:     ErrCodeSelfPromotion,
		Message:  "Não é possível promover a si mesmo.",
		Category: "admin",
		Action:   "Peça a outro administrador para executar esta ação.",
	}
}

// NewAlreadyAdminError は既に管理者であるユーザーの昇格エラーを生成する。
func NewAlreadyAdminError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyAdmin,
		Message:  "Este usuário já é administrador.",
		Category: "admin",
		Action:   "Nenhuma ação é necessária.",
	}
}

// NewNotApprovedError は未承認ユーザーの昇格エラーを生成する。
func NewNotApprovedError(status ProfileStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("Apenas usuários aprovados podem ser promovidos (status atual: %s).", status),
		Category: "admin",
		Action:   "Aprove o cadastro antes de promovê-lo.",
		Details:  map[string]any{"from": string(status), "to": "admin"},
	}
}

// NewAccountPendingError は承認待ちアカウントのアクセスエラーを生成する。
func NewAccountPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountPending,
		Message:  "Seu cadastro está aguardando aprovação.",
		Category: "auth",
		Action:   "Aguarde a aprovação de um administrador.",
	}
}

// NewAccountRejectedError は却下アカウントのアクセスエラーを生成する。
// 却下理由がある場合のみDetailsに含める。
func NewAccountRejectedError(reason *string) *APIError {
	e := &APIError{
		Code:     ErrCodeAccountRejected,
		Message:  "Seu cadastro foi rejeitado.",
		Category: "auth",
		Action:   "Entre em contato com a coordenação.",
	}
	if reason != nil && *reason != "" {
		e.Details = map[string]any{"rejection_reason": *reason}
	}
	return e
}

// NewAdminRequiredError は管理者専用ページへのアクセスエラーを生成する。
func NewAdminRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAdminRequired,
		Message:  "Área restrita a administradores.",
		Category: "auth",
		Action:   "Volte para a página inicial.",
	}
}

// NewAlreadyAuthenticatedError はログイン済みユーザーが公開専用ページにアクセスした場合のエラーを生成する。
func NewAlreadyAuthenticatedError(redirectTo string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyAuthenticate,
		Message:  "Você já está autenticado.",
		Category: "auth",
		Action:   "Continue para a página inicial.",
		Details:  map[string]any{"redirect_to": redirectTo},
	}
}

// NewInvalidResetTokenError はパスワード再設定トークンが無効な場合のエラーを生成する。
func NewInvalidResetTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResetToken,
		Message:  "Link de redefinição inválido ou expirado.",
		Category: "auth",
		Action:   "Solicite um novo link de redefinição de senha.",
	}
}

// NewInvalidAvatarURLError はアバターURLが無効な場合のエラーを生成する。
func NewInvalidAvatarURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAvatarURL,
		Message:  fmt.Sprintf("URL de avatar inválida: %s", reason),
		Category: "validation",
		Action:   "Informe uma URL pública (https) de uma imagem.",
	}
}

// NewInvalidPhoneError は電話番号が無効な場合のエラーを生成する。
func NewInvalidPhoneError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPhone,
		Message:  "Número de telefone inválido.",
		Category: "validation",
		Action:   "Informe o telefone com DDD, por exemplo (11) 91234-5678.",
	}
}

// NewServiceUnavailableError は依存サービスに到達できない場合のエラーを生成する。
func NewServiceUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeServiceUnavailable,
		Message:  "Serviço temporariamente indisponível.",
		Category: "system",
		Action:   "Tente novamente em alguns instantes.",
	}
}
