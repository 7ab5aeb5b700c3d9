// Copyright 2025 Velo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrInvalidName   = errors.New("invalid name")
	ErrLockTimeout   = errors.New("could not acquire state lock")
	ErrInvalidState  = errors.New("invalid state")
	ErrNotReady      = errors.New("container never became ready")
	ErrSetupRequired = errors.New("setup required")
)

// UserError is a misuse or precondition failure. It carries a remediation
// hint shown to the user alongside the message. User errors never indicate
// a broken external subsystem.
type UserError struct {
	Message string
	Hint    string
	Err     error // optional sentinel for errors.Is
}

func (e *UserError) Error() string {
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a UserError with a remediation hint.
func NewUserError(message, hint string) *UserError {
	return &UserError{Message: message, Hint: hint}
}

// NewUserErrorf creates a UserError wrapping a sentinel.
func NewUserErrorf(sentinel error, hint, format string, args ...any) *UserError {
	return &UserError{
		Message: fmt.Sprintf(format, args...),
		Hint:    hint,
		Err:     sentinel,
	}
}

// IsUserError reports whether err is (or wraps) a UserError.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// UserHint returns the remediation hint if err is a UserError, else "".
func UserHint(err error) string {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Hint
	}
	return ""
}
