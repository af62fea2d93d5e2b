package model

import (
	"errors"
	"fmt"
	"time"
)

// Status は届出の状態を表す。
type Status string

const (
	// StatusActive は照合対象となる受付中の状態。
	StatusActive Status = "active"
	// StatusClaimed は持ち主が名乗り出た状態。
	StatusClaimed Status = "claimed"
	// StatusReturned は返却済みの終端状態。
	StatusReturned Status = "returned"
	// StatusExpired は有効期限切れの終端状態。
	StatusExpired Status = "expired"
)

// transitions は許可される状態遷移の有向グラフ。
// returned と expired は出辺を持たない終端状態。
var transitions = map[Status][]Status{
	StatusActive:  {StatusClaimed, StatusReturned, StatusExpired},
	StatusClaimed: {StatusReturned},
}

// Valid は状態が定義済みの値かを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusClaimed, StatusReturned, StatusExpired:
		return true
	}
	return false
}

// Terminal は終端状態かを返す。
func (s Status) Terminal() bool {
	return s == StatusReturned || s == StatusExpired
}

// ErrInvalidTransition は許可されていない状態遷移を表すセンチネルエラー。
var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError は要求された状態遷移が遷移グラフに違反したことを表す。
type InvalidTransitionError struct {
	From Status
	To   Status
}

// Error はerrorインターフェースを実装する。
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// Is は errors.Is(err, ErrInvalidTransition) を成立させる。
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Transition は current から requested への遷移が許可されるかを検証する純粋関数。
// 許可されない場合は *InvalidTransitionError を返す。
func Transition(current, requested Status) error {
	for _, next := range transitions[current] {
		if next == requested {
			return nil
		}
	}
	return &InvalidTransitionError{From: current, To: requested}
}

// ApplyStatus は状態遷移を検証し、成功した場合のみ届出に適用する。
// 履歴エントリを追記し、claimed/returned の場合は対応する日時を記録する。
// 失敗した場合は届出を一切変更しない。
func (i *Item) ApplyStatus(requested Status, actor string, now time.Time) error {
	if err := Transition(i.Status, requested); err != nil {
		return err
	}

	previous := i.Status
	i.Status = requested
	i.StatusHistory = append(i.StatusHistory, StatusHistoryEntry{
		Status:         requested,
		Timestamp:      now,
		UpdatedBy:      actor,
		PreviousStatus: previous,
	})

	switch requested {
	case StatusClaimed:
		t := now
		i.ClaimedAt = &t
	case StatusReturned:
		t := now
		i.ReturnedAt = &t
	}
	i.UpdatedAt = now
	return nil
}
