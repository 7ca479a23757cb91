// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ConfigError は設定・引数の不正を表す。作業開始前に即座に返される。
type ConfigError struct {
	Field   string // 問題のあるフラグまたは環境変数
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewInvalidRangeError は lower > upper の範囲指定エラーを生成する。
func NewInvalidRangeError(lower, upper int64) *ConfigError {
	return &ConfigError{
		Field:   "range",
		Message: fmt.Sprintf("lower (%d) must not exceed upper (%d)", lower, upper),
	}
}

// NewInvalidLowerError は下限IDが正でない場合のエラーを生成する。
func NewInvalidLowerError(lower int64) *ConfigError {
	return &ConfigError{
		Field:   "lower",
		Message: fmt.Sprintf("must be a positive item ID, got %d", lower),
	}
}

// NewInvalidCommitPeriodError はコミット間隔が1未満の場合のエラーを生成する。
func NewInvalidCommitPeriodError(period int) *ConfigError {
	return &ConfigError{
		Field:   "commit_period",
		Message: fmt.Sprintf("must be at least 1, got %d", period),
	}
}

// NewInvalidThreadsError はスレッド数が1未満の場合のエラーを生成する。
func NewInvalidThreadsError(threads int) *ConfigError {
	return &ConfigError{
		Field:   "threads",
		Message: fmt.Sprintf("must be at least 1, got %d", threads),
	}
}

// NewInvalidDaysError は鮮度ウィンドウが負の場合のエラーを生成する。
func NewInvalidDaysError(days float64) *ConfigError {
	return &ConfigError{
		Field:   "days",
		Message: fmt.Sprintf("must not be negative, got %g", days),
	}
}

// IsConfigError はerrがConfigErrorかどうかを返す。
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// TransientError はリトライ可能なフェッチ失敗（ネットワークエラー、タイムアウト、429/5xx）を表す。
type TransientError struct {
	Op         string // "item" または "maxitem"
	ItemID     int64
	StatusCode int // HTTPステータス。ネットワークエラーの場合は0
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient %s failure (id=%d, status=%d)", e.Op, e.ItemID, e.StatusCode)
	}
	return fmt.Sprintf("transient %s failure (id=%d): %v", e.Op, e.ItemID, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient はerrがリトライ可能なエラーかどうかを返す。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StoreWriteError はストアへの書き込み失敗を表す。実行中のランにとって致命的。
type StoreWriteError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// IsStoreWriteError はerrがStoreWriteErrorかどうかを返す。
func IsStoreWriteError(err error) bool {
	var se *StoreWriteError
	return errors.As(err, &se)
}
