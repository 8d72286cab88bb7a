// Package client はacademico APIのGoクライアントを提供する。
// セッションの保持と自動リフレッシュ、プロフィールの取得、認証状態とルートガード判定、
// 管理操作を含む。すべてのリモート呼び出しの失敗はエラー値として返す。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/academico/internal/middleware"
	"github.com/hitoshi/academico/internal/model"
)

// maxResponseBytes はレスポンスボディの読み取り上限。
const maxResponseBytes = 1 << 20

// Error はAPIがエラーステータスを返した場合のエラー。
// errors.Asで*model.APIErrorとしても取り出せる。
type Error struct {
	StatusCode int
	APIError   *model.APIError
}

func (e *Error) Error() string {
	return fmt.Sprintf("academico api: status %d: %s", e.StatusCode, e.APIError.Error())
}

func (e *Error) Unwrap() error {
	return e.APIError
}

// IsCode はerrがAPIエラーで、指定したコードを持つかどうかを返す。
func IsCode(err error, code string) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client はacademico APIのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// New はClientを生成する。httpClientがnilの場合は10秒タイムアウトのクライアントを使用する。
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// do はJSONリクエストを送信し、成功時はoutにデコードする。
// tokenが空でなければBearer認証を付与する。
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("academico api request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body middleware.ErrorResponseBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		body = middleware.ErrorResponseBody{
			Code:     model.ErrCodeInternal,
			Message:  http.StatusText(status),
			Category: "system",
		}
	}
	return &Error{
		StatusCode: status,
		APIError: &model.APIError{
			Code:     body.Code,
			Message:  body.Message,
			Category: body.Category,
			Action:   body.Action,
			Details:  body.Details,
		},
	}
}
