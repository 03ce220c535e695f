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
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	var ce causeError
	if errors.As(err, &ce) {
		return ce.code()
	}
	var re radioError
	if errors.As(err, &re) {
		return re.code()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return CanceledCode
	case errors.Is(err, context.DeadlineExceeded):
		return TimeoutCode
	default:
		return errUnexpected.code()
	}
}

// IsRetryableErr 判断错误是否被标记为可重试。
func IsRetryableErr(err error) bool {
	var ce causeError
	if errors.As(err, &ce) {
		return ce.retriable
	}
	var re radioError
	if errors.As(err, &re) {
		return re.retriable
	}
	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func WrapErrAsInputError(err error) error {
	if merr, ok := err.(radioError); ok {
		WithErrorType(InputError)(&merr)
		return merr
	}
	return err
}

func GetErrorType(err error) ErrorType {
	var re radioError
	if errors.As(err, &re) {
		return re.errType
	}
	return SystemError
}

// Radio 相关错误封装。
func WrapErrRadioUnsupported(kind string, msg ...string) error {
	err := wrapFields(ErrRadioUnsupported, value("kind", kind))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrRadioDeviceNotFound(filter any, cause error) error {
	return wrapCause(ErrRadioDeviceNotFound, cause, value("filter", filter))
}

func WrapErrRadioSelectionCanceled(cause error) error {
	return wrapCause(ErrRadioSelectionCanceled, cause)
}

func WrapErrRadioOpenFailed(handle string, cause error) error {
	return wrapCause(ErrRadioOpenFailed, cause, value("handle", handle))
}

func WrapErrRadioNotConnected(handle string, msg ...string) error {
	err := wrapFields(ErrRadioNotConnected, value("handle", handle))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrRadioReadFailed(handle string, characteristic string, cause error) error {
	return wrapCause(ErrRadioReadFailed, cause, value("handle", handle), value("characteristic", characteristic))
}

func WrapErrRadioWriteFailed(handle string, characteristic string, cause error) error {
	return wrapCause(ErrRadioWriteFailed, cause, value("handle", handle), value("characteristic", characteristic))
}

func WrapErrRadioSubscribeFailed(handle string, characteristic string, cause error) error {
	return wrapCause(ErrRadioSubscribeFailed, cause, value("handle", handle), value("characteristic", characteristic))
}

func WrapErrRadioHandshakeFailed(sessionID uint64, cause error) error {
	return wrapCause(ErrRadioHandshakeFailed, cause, value("sessionID", sessionID))
}

func WrapErrRadioClosed(handle string) error {
	return wrapFields(ErrRadioClosed, value("handle", handle))
}

func WrapErrRadioServiceNotFound(handle string, service string) error {
	return wrapFields(ErrRadioServiceNotFound, value("handle", handle), value("service", service))
}

func WrapErrKindNotSupported(kind string) error {
	return wrapFields(ErrKindNotSupported, value("kind", kind))
}

func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err radioError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err radioError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

// wrapCause 为错误追加字段并保留底层原因；cause 为空时等价于 wrapFields。
func wrapCause(err radioError, cause error, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	if cause == nil {
		return err
	}
	return causeError{radioError: err, cause: cause}
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
