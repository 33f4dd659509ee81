package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type CommonSuite struct{}

func TestCommon(t *testing.T) {
	suite.RunTests(t, &CommonSuite{})
}

func (CommonSuite) TestFatalf(t *testing.T) {
	err := Fatalf("bad frame %d", 3)
	expect.True(t, IsFatal(err))
	expect.Equal(t, "invariant violation: bad frame 3", err.Error())

	wrapped := fmt.Errorf("failed to step: %w", err)
	expect.True(t, IsFatal(wrapped))
}

func (CommonSuite) TestFatalPreservesChain(t *testing.T) {
	cause := fmt.Errorf("%w. unknown opcode", ErrInvalidArgument)

	err := Fatal(cause)
	expect.True(t, IsFatal(err))
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	expect.True(t, Fatal(err) == err)
	expect.Nil(t, Fatal(nil))

	expect.False(t, IsFatal(cause))
}

func (CommonSuite) TestAddressRange(t *testing.T) {
	ar := AddressRange{Low: 0x1000, High: 0x1010}
	expect.True(t, ar.Contains(0x1000))
	expect.True(t, ar.Contains(0x100f))
	expect.False(t, ar.Contains(0x1010))
	expect.False(t, ar.Contains(0xfff))

	expect.Equal(t, "0x0000000000001000", ar.Low.String())
}
