package ptrace

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"golang.org/x/sys/unix"
)

type PageIovecsSuite struct{}

func TestPageIovecs(t *testing.T) {
	suite.RunTests(t, &PageIovecsSuite{})
}

func (PageIovecsSuite) TestWithinPage(t *testing.T) {
	expect.Equal(
		t,
		[]unix.RemoteIovec{{Base: 0x1010, Len: 16}},
		pageIovecs(0x1010, 16))
}

func (PageIovecsSuite) TestCrossPages(t *testing.T) {
	expect.Equal(
		t,
		[]unix.RemoteIovec{
			{Base: 0x1ff0, Len: 0x10},
			{Base: 0x2000, Len: 0x1000},
			{Base: 0x3000, Len: 0x8},
		},
		pageIovecs(0x1ff0, 0x1018))
}

func (PageIovecsSuite) TestEmpty(t *testing.T) {
	expect.Equal(t, []unix.RemoteIovec{}, pageIovecs(0x1000, 0))
}
