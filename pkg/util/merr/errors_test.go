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
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrRadioNotConnected("aa:bb")
	err = errors.Wrap(err, "failed to write")
	s.ErrorIs(err, ErrRadioNotConnected)
	s.Equal(Code(ErrRadioNotConnected), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(io.EOF))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newRadioError("new error", ErrRadioNotConnected.errCode, false)
	s.True(sameCodeErr.Is(ErrRadioNotConnected))
}

func (s *ErrSuite) TestCause() {
	err := WrapErrRadioReadFailed("aa:bb", "fromRadio", io.ErrUnexpectedEOF)
	s.ErrorIs(err, ErrRadioReadFailed)
	s.ErrorIs(err, io.ErrUnexpectedEOF)
	s.NotErrorIs(err, ErrRadioWriteFailed)
	s.Contains(err.Error(), "handle=aa:bb")
	s.Contains(err.Error(), io.ErrUnexpectedEOF.Error())
	s.Equal(Code(ErrRadioReadFailed), Code(errors.Wrap(err, "drain")))
	s.True(IsRetryableErr(err))

	s.ErrorIs(WrapErrRadioOpenFailed("x", nil), ErrRadioOpenFailed)
}

func (s *ErrSuite) TestWrap() {
	s.ErrorIs(WrapErrRadioUnsupported("ble", "no adapter"), ErrRadioUnsupported)
	s.ErrorIs(WrapErrRadioDeviceNotFound("services=[x]", io.EOF), ErrRadioDeviceNotFound)
	s.ErrorIs(WrapErrRadioSelectionCanceled(context.Canceled), ErrRadioSelectionCanceled)
	s.ErrorIs(WrapErrRadioWriteFailed("h", "toRadio", io.EOF), ErrRadioWriteFailed)
	s.ErrorIs(WrapErrRadioSubscribeFailed("h", "fromNum", io.EOF), ErrRadioSubscribeFailed)
	s.ErrorIs(WrapErrRadioHandshakeFailed(1, io.EOF), ErrRadioHandshakeFailed)
	s.ErrorIs(WrapErrRadioClosed("h"), ErrRadioClosed)
	s.ErrorIs(WrapErrRadioServiceNotFound("h", "svc"), ErrRadioServiceNotFound)
	s.ErrorIs(WrapErrKindNotSupported("http"), ErrKindNotSupported)
	s.ErrorIs(WrapErrParameterInvalid(1, 2, "interval"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterMissing("handle"), ErrParameterMissing)
	s.ErrorIs(WrapErrServiceInternal("boom"), ErrServiceInternal)
	s.False(IsRetryableErr(WrapErrKindNotSupported("http")))
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
	s.Nil(Combine(nil, nil))
	s.Equal(errThird, Combine(nil, errThird))
}

func (s *ErrSuite) TestErrorType() {
	s.Equal(SystemError, GetErrorType(ErrRadioReadFailed))
	s.Equal(InputError, GetErrorType(WrapErrAsInputError(ErrParameterInvalid)))
	s.Equal("input_error", InputError.String())
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
