// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, item, system
	Action   string // ユーザー向け対処方法

	cause error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// 定義済みエラーコード
const (
	ErrCodeItemNotFound      = "ITEM_NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ErrItemNotFound は届出未検出を表すセンチネルエラー。
var ErrItemNotFound = errors.New("item not found")

// NewItemNotFoundError は届出未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定された届出が見つかりません: %s", itemID),
		Category: "item",
		Action:   "届出IDを確認してください。",
		cause:    ErrItemNotFound,
	}
}

// NewInvalidTransitionError は状態遷移違反エラーを生成する。
// 現在の状態と要求された状態をメッセージに含める。
func NewInvalidTransitionError(from, to Status) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("状態を %s から %s に変更することはできません。", from, to),
		Category: "item",
		Action:   transitionAction(from),
		cause:    &InvalidTransitionError{From: from, To: to},
	}
}

// transitionAction は現在の状態から可能な操作を案内する。
func transitionAction(from Status) string {
	switch from {
	case StatusActive:
		return "受付中の届出は claimed、returned、expired のいずれかに変更できます。"
	case StatusClaimed:
		return "名乗り出済みの届出は returned にのみ変更できます。"
	default:
		return "返却済みまたは期限切れの届出の状態は変更できません。"
	}
}

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("%s が不正です: %s", field, reason),
		Category: "validation",
		Action:   "入力内容を確認してから再度送信してください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストの解析に失敗しました: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInternalError は詳細を伏せた内部エラーを生成する。
// 原因はログにだけ残し、受付端末には係員への案内を返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "届出の処理中にエラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。続く場合は受付の係員にお知らせください。",
	}
}
