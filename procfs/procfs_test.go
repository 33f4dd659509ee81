package procfs

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ProcfsSuite struct{}

func TestProcfs(t *testing.T) {
	suite.RunTests(t, &ProcfsSuite{})
}

func (ProcfsSuite) write(t *testing.T, name string, content []byte) *Process {
	root := t.TempDir()
	dir := filepath.Join(root, "42")
	expect.Nil(t, os.MkdirAll(dir, 0o755))
	expect.Nil(t, os.WriteFile(filepath.Join(dir, name), content, 0o644))
	return OpenAt(root, 42)
}

func (s ProcfsSuite) TestStatus(t *testing.T) {
	proc := s.write(
		t,
		"stat",
		[]byte("42 (my (odd) prog) t 7 42 42 0 -1 4194560 107 0 0 0\n"))

	status, err := proc.Status()
	expect.Nil(t, err)
	expect.Equal(t, 42, status.Pid)
	expect.Equal(t, "my (odd) prog", status.Comm)
	expect.Equal(t, TracingStop, status.State)
	expect.Equal(t, 7, status.Ppid)
	expect.Equal(t, 42, status.Pgrp)
}

func (s ProcfsSuite) TestMalformedStatus(t *testing.T) {
	proc := s.write(t, "stat", []byte("42 prog"))

	_, err := proc.Status()
	expect.Error(t, err, "malformed process 42 status")
}

func (s ProcfsSuite) TestAuxiliaryVector(t *testing.T) {
	content := []byte{}
	for _, value := range []uint64{
		uint64(AT_PageSize), 4096,
		uint64(AT_Ignore), 1,
		uint64(AT_Entry), 0x555555555040,
		uint64(AT_EndOfVector), 0,
	} {
		content = binary.LittleEndian.AppendUint64(content, value)
	}

	proc := s.write(t, "auxv", content)

	aux, err := proc.AuxiliaryVector()
	expect.Nil(t, err)
	expect.Equal(t, 2, len(aux))
	expect.Equal(t, 4096, aux[AT_PageSize])
	expect.Equal(t, 0x555555555040, aux[AT_Entry])
}

func (s ProcfsSuite) TestTruncatedAuxiliaryVector(t *testing.T) {
	content := binary.LittleEndian.AppendUint64(nil, uint64(AT_Entry))
	proc := s.write(t, "auxv", content)

	_, err := proc.AuxiliaryVector()
	expect.Error(t, err, "missing end of vector")
}

func (ProcfsSuite) TestExecutablePath(t *testing.T) {
	expect.Equal(t, "/proc/42/exe", Open(42).ExecutablePath())
}
