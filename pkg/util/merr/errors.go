// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceInternal = newRadioError("service internal error", 5, false)

	// Radio transport related
	ErrRadioUnsupported       = newRadioError("radio transport unsupported", 100, false)
	ErrRadioDeviceNotFound    = newRadioError("radio device not found", 101, true)
	ErrRadioSelectionCanceled = newRadioError("radio device selection canceled", 102, false)
	ErrRadioOpenFailed        = newRadioError("radio open failed", 103, true)
	ErrRadioNotConnected      = newRadioError("radio not connected", 104, false)
	ErrRadioReadFailed        = newRadioError("radio read failed", 105, true)
	ErrRadioWriteFailed       = newRadioError("radio write failed", 106, true)
	ErrRadioSubscribeFailed   = newRadioError("radio subscribe failed", 107, true)
	ErrRadioHandshakeFailed   = newRadioError("radio handshake failed", 108, true)
	ErrRadioClosed            = newRadioError("radio connection closed", 109, false)
	ErrRadioServiceNotFound   = newRadioError("radio service not found", 110, false)

	// Session & registry related
	ErrKindNotSupported = newRadioError("session kind not supported", 200, false)

	// Parameter related
	ErrParameterInvalid = newRadioError("invalid parameter", 1100, false)
	ErrParameterMissing = newRadioError("missing parameter", 1101, false)

	// General
	ErrOperationNotSupported = newRadioError("unsupported operation", 3000, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to radioError
	errUnexpected = newRadioError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*radioError)

func WithDetail(detail string) errorOption {
	return func(err *radioError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *radioError) {
		err.errType = etype
	}
}

type radioError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newRadioError(msg string, code int32, retriable bool, options ...errorOption) radioError {
	err := radioError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e radioError) code() int32 {
	return e.errCode
}

func (e radioError) Error() string {
	return e.msg
}

func (e radioError) Detail() string {
	return e.detail
}

// Is 按错误码匹配，带字段或带底层原因的同类错误彼此相等。
func (e radioError) Is(target error) bool {
	switch t := target.(type) {
	case radioError:
		return e.errCode == t.errCode
	case causeError:
		return e.errCode == t.errCode
	}
	return false
}

// causeError 在 radioError 之上保留底层原因，errors.Is 对两者都成立。
type causeError struct {
	radioError
	cause error
}

func (e causeError) Error() string {
	return e.msg + ": " + e.cause.Error()
}

func (e causeError) Unwrap() error {
	return e.cause
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return multiErrors{
		errs,
	}
}
