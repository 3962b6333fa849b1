package types

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrMissingKey dispatch 沒有 key，也沒有設定預設 key
	ErrMissingKey = errors.New("action key is required")

	// ErrNoConnectivity 連線檢查失敗，會以 user-facing 錯誤呈現
	ErrNoConnectivity = NewUserError("there is no internet connection")
)

// UserError 可以直接顯示給使用者的錯誤
// 通過攔截鏈後仍存活的 UserError 會被 UI 協作者渲染成訊息
type UserError struct {
	Msg   string
	Cause error
}

// NewUserError 建立 UserError
func NewUserError(msg string) *UserError {
	return &UserError{Msg: msg}
}

// WithCause 回傳帶有底層原因的複本
func (e *UserError) WithCause(cause error) *UserError {
	return &UserError{Msg: e.Msg, Cause: cause}
}

func (e *UserError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *UserError) Unwrap() error {
	return e.Cause
}

// AsUserError 從錯誤鏈中取出 UserError
func AsUserError(err error) (*UserError, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// ProtocolError 呼叫端違反協定（例如 push 版本回呼沒有被呼叫）
// 永遠不會進入重試或攔截鏈，直接回傳給呼叫端
type ProtocolError struct {
	Key Key
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol fault on %s: %s", e.Key, e.Msg)
}

// IsProtocolError 檢查錯誤鏈中是否有 ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
