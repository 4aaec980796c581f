package types

import (
	"errors"
	"fmt"
)

// ErrorCategory 面向宿主应用的错误分类
type ErrorCategory string

const (
	CategoryConfig    ErrorCategory = "config"
	CategoryMine      ErrorCategory = "mine"
	CategoryCommit    ErrorCategory = "commit"
	CategoryRejected  ErrorCategory = "rejected_on_chain"
	CategoryAmbiguous ErrorCategory = "ambiguous"
	CategoryReconcile ErrorCategory = "reconcile"
	CategoryParse     ErrorCategory = "parse"
	CategoryBacklog   ErrorCategory = "backlog"
	CategoryMisc      ErrorCategory = "misc"
)

// TowerError is the structured, serializable error every command returns.
type TowerError struct {
	Category ErrorCategory `json:"category"`
	Msg      string        `json:"msg"`
	Height   *uint64       `json:"height,omitempty"`
	cause    error
}

func (e *TowerError) Error() string {
	if e.Height != nil {
		return fmt.Sprintf("%s (height %d): %s", e.Category, *e.Height, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Msg)
}

func (e *TowerError) Unwrap() error { return e.cause }

// NewTowerError wraps cause under category; msg defaults to cause's text.
func NewTowerError(category ErrorCategory, cause error, msg string) *TowerError {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &TowerError{Category: category, Msg: msg, cause: cause}
}

// WithHeight attaches the height the error refers to.
func (e *TowerError) WithHeight(h uint64) *TowerError {
	e.Height = &h
	return e
}

// Categorizer is implemented by package errors that know their category.
type Categorizer interface {
	Category() ErrorCategory
}

// HeightReporter is implemented by errors tied to one tower height.
type HeightReporter interface {
	FailedHeight() (uint64, bool)
}

// AsTowerError converts any error into a *TowerError, keeping the category
// and height of errors that carry them.
func AsTowerError(err error) *TowerError {
	if err == nil {
		return nil
	}
	var te *TowerError
	if errors.As(err, &te) {
		return te
	}
	category := CategoryMisc
	var c Categorizer
	if errors.As(err, &c) {
		category = c.Category()
	}
	te = NewTowerError(category, err, "")
	var hr HeightReporter
	if errors.As(err, &hr) {
		if h, ok := hr.FailedHeight(); ok {
			te.WithHeight(h)
		}
	}
	return te
}
