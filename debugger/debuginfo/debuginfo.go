// Package debuginfo answers the engine's debug information queries (line
// table, subprograms, frame base, call frame information) for a single
// loaded elf executable.
package debuginfo

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
	"github.com/pattyshack/tdb/dwarf"
	"github.com/pattyshack/tdb/elf"
	"github.com/pattyshack/tdb/procfs"
)

const (
	textSectionName   = ".text"
	gotPltSectionName = ".got.plt"
)

type lineRow struct {
	address     uint64
	file        string
	line        int
	isStatement bool
	endSequence bool
}

type compileUnit struct {
	name   string
	ranges []dwarf.AddressRange
}

type subprogram struct {
	name      string
	unit      *compileUnit
	ranges    []dwarf.AddressRange
	frameBase dwarf.Expression
}

func (sub *subprogram) contains(addr uint64) bool {
	for _, addrRange := range sub.ranges {
		if addrRange.Contains(addr) {
			return true
		}
	}
	return false
}

func (sub *subprogram) size() uint64 {
	total := uint64(0)
	for _, addrRange := range sub.ranges {
		total += addrRange.High - addrRange.Low
	}
	return total
}

func (sub *subprogram) low() uint64 {
	low := sub.ranges[0].Low
	for _, addrRange := range sub.ranges[1:] {
		low = min(low, addrRange.Low)
	}
	return low
}

// Info implements target.DebugInfo and target.UnwindRuleSource.  All
// internal addresses are link time addresses; the load bias is applied at
// the interface boundary.
type Info struct {
	path     string
	file     *elf.File
	loadBias uint64

	frames dwarf.CallFrameTable

	units       []*compileUnit
	subprograms []*subprogram

	// Sorted by address.  Within an address, end of sequence rows precede
	// regular rows.
	lines []lineRow

	logger *slog.Logger
}

var _ target.DebugInfo = &Info{}
var _ target.UnwindRuleSource = &Info{}

// Load parses the elf file at path.  loadBias is the difference between
// runtime and link time addresses (0 for non position independent
// executables).
func Load(path string, loadBias uint64, logger *slog.Logger) (*Info, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read elf file: %w", err)
	}

	file, err := elf.ParseBytes(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse elf file (%s): %w", path, err)
	}

	return New(path, file, loadBias, logger)
}

// LoadForProcess loads the executable of a (traced) process, computing the
// load bias from the process's loaded entry point.
func LoadForProcess(
	proc *procfs.Process,
	logger *slog.Logger,
) (
	*Info,
	error,
) {
	path := proc.ExecutablePath()
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read elf file: %w", err)
	}

	file, err := elf.ParseBytes(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse elf file (%s): %w", path, err)
	}

	aux, err := proc.AuxiliaryVector()
	if err != nil {
		return nil, fmt.Errorf("failed to compute elf load bias: %w", err)
	}

	loadedEntryPoint, ok := aux[procfs.AT_Entry]
	if !ok {
		return nil, fmt.Errorf(
			"failed to compute elf load bias. loaded entry point address not found")
	}

	resolved, err := os.Readlink(path)
	if err == nil {
		path = resolved
	}

	return New(path, file, loadedEntryPoint-file.EntryPointAddress, logger)
}

func New(
	path string,
	file *elf.File,
	loadBias uint64,
	logger *slog.Logger,
) (
	*Info,
	error,
) {
	if logger == nil {
		logger = slog.Default()
	}

	info := &Info{
		path:     path,
		file:     file,
		loadBias: loadBias,
		logger:   logger.With("module", filepath.Base(path)),
	}

	err := info.loadFrameSections()
	if err != nil {
		return nil, err
	}

	err = info.loadDwarf()
	if err != nil {
		return nil, err
	}

	info.logger.Debug(
		"loaded debug info",
		"load_bias", fmt.Sprintf("%#x", loadBias),
		"frame_sections", len(info.frames),
		"compile_units", len(info.units),
		"subprograms", len(info.subprograms),
		"line_rows", len(info.lines))

	return info, nil
}

func (info *Info) loadFrameSections() error {
	content := dwarf.FrameSectionContent{
		ByteOrder: info.file.ByteOrder,
	}

	text, ok := info.file.Section(textSectionName)
	if ok {
		content.TextAddress = text.Address
	}

	gotPlt, ok := info.file.Section(gotPltSectionName)
	if ok {
		content.DataAddress = gotPlt.Address
	}

	// .debug_frame is usually more complete when present (e.g., it
	// describes functions compiled without unwind tables).
	for _, kind := range []dwarf.FrameSectionKind{
		dwarf.DebugFrameSection,
		dwarf.EhFrameSection,
	} {
		raw, ok, err := info.file.SectionContent(string(kind))
		if err != nil {
			return err
		}
		if !ok || len(raw) == 0 {
			continue
		}

		section, _ := info.file.Section(string(kind))

		content.Kind = kind
		content.Content = raw
		content.Address = section.Address

		frames, err := dwarf.NewFrameSection(content)
		if err != nil {
			return err
		}

		info.frames = append(info.frames, frames)
	}

	return nil
}

func (info *Info) Path() string {
	return info.path
}

func (info *Info) File() *elf.File {
	return info.file
}

func (info *Info) LoadBias() uint64 {
	return info.loadBias
}

func (info *Info) HasDebugInfo() bool {
	return len(info.lines) > 0 || len(info.subprograms) > 0
}

func (info *Info) toFileAddress(addr VirtualAddress) uint64 {
	return uint64(addr) - info.loadBias
}

func (info *Info) toVirtualAddress(addr uint64) VirtualAddress {
	return VirtualAddress(addr + info.loadBias)
}

func (info *Info) UnwindRulesAt(
	pc VirtualAddress,
) (
	*dwarf.UnwindRules,
	error,
) {
	return info.frames.ComputeUnwindRulesAt(info.toFileAddress(pc))
}

// rowIndexAt returns the index of the line row covering the file address,
// or -1.
func (info *Info) rowIndexAt(addr uint64) int {
	// index of the first row whose address > addr
	idx := sort.Search(
		len(info.lines),
		func(i int) bool {
			return info.lines[i].address > addr
		}) - 1

	if idx < 0 || info.lines[idx].endSequence {
		return -1
	}

	return idx
}

func (info *Info) sourceLine(row lineRow) target.SourceLine {
	return target.SourceLine{
		Address:     info.toVirtualAddress(row.address),
		File:        row.file,
		Line:        row.line,
		IsStatement: row.isStatement,
	}
}

func (info *Info) LineAt(addr VirtualAddress) (target.SourceLine, bool) {
	idx := info.rowIndexAt(info.toFileAddress(addr))
	if idx < 0 {
		return target.SourceLine{}, false
	}

	return info.sourceLine(info.lines[idx]), true
}

func (info *Info) IsStatementBoundary(addr VirtualAddress) bool {
	fileAddr := info.toFileAddress(addr)

	// index of the first row whose address >= addr
	idx := sort.Search(
		len(info.lines),
		func(i int) bool {
			return info.lines[i].address >= fileAddr
		})

	for ; idx < len(info.lines) && info.lines[idx].address == fileAddr; idx++ {
		row := info.lines[idx]
		if !row.endSequence && row.isStatement {
			return true
		}
	}

	return false
}

// subprogramAt returns the innermost subprogram containing the file address.
func (info *Info) subprogramAt(addr uint64) *subprogram {
	var found *subprogram
	for _, sub := range info.subprograms {
		if !sub.contains(addr) {
			continue
		}

		if found == nil || sub.size() < found.size() {
			found = sub
		}
	}
	return found
}

func (info *Info) compileUnitAt(addr uint64) *compileUnit {
	for _, unit := range info.units {
		for _, addrRange := range unit.ranges {
			if addrRange.Contains(addr) {
				return unit
			}
		}
	}
	return nil
}

// Describe reports the source context of the address.  Subprogram names
// fall back to the elf symbol tables when debug information does not cover
// the address.
func (info *Info) Describe(addr VirtualAddress) (target.SourceContext, bool) {
	fileAddr := info.toFileAddress(addr)

	result := target.SourceContext{}
	found := false

	sub := info.subprogramAt(fileAddr)
	if sub != nil {
		found = true
		result.Subprogram = sub.name
		if sub.unit != nil {
			result.CompileUnit = sub.unit.name
		}
	} else {
		unit := info.compileUnitAt(fileAddr)
		if unit != nil {
			found = true
			result.CompileUnit = unit.name
		}

		symbol := info.file.SymbolSpans(elf.FileAddress(fileAddr))
		if symbol != nil {
			found = true
			result.Subprogram = symbol.PrettyName()
		}
	}

	idx := info.rowIndexAt(fileAddr)
	if idx >= 0 {
		found = true
		result.File = info.lines[idx].file
		result.Line = info.lines[idx].line
	}

	return result, found
}

func (info *Info) FrameBase(addr VirtualAddress) (dwarf.Expression, bool) {
	sub := info.subprogramAt(info.toFileAddress(addr))
	if sub == nil || sub.frameBase == nil {
		return nil, false
	}

	return sub.frameBase, true
}

// SymbolAt returns the (demangled) name of the elf symbol spanning the
// address, plus the address's offset into the symbol.
func (info *Info) SymbolAt(addr VirtualAddress) (string, uint64, bool) {
	fileAddr := info.toFileAddress(addr)
	symbol := info.file.SymbolSpans(elf.FileAddress(fileAddr))
	if symbol == nil {
		return "", 0, false
	}

	return symbol.PrettyName(), fileAddr - symbol.Value, true
}

// FunctionBreakAddresses returns the runtime addresses at which a break
// point on the named function should be placed.  When line information is
// available, the address skips the function's prologue line.
func (info *Info) FunctionBreakAddresses(name string) []VirtualAddress {
	result := []VirtualAddress{}
	seen := map[uint64]struct{}{}

	add := func(addr uint64) {
		_, ok := seen[addr]
		if ok {
			return
		}
		seen[addr] = struct{}{}
		result = append(result, info.toVirtualAddress(addr))
	}

	for _, sub := range info.subprograms {
		if sub.name != name {
			continue
		}

		add(info.skipPrologue(sub.low(), sub))
	}

	if len(result) > 0 {
		return result
	}

	for _, symbol := range info.file.SymbolsByName(name) {
		if symbol.Type() != elf.SymbolTypeFunction || symbol.Value == 0 {
			continue
		}
		add(symbol.Value)
	}

	return result
}

func (info *Info) skipPrologue(low uint64, sub *subprogram) uint64 {
	idx := info.rowIndexAt(low)
	if idx < 0 || info.lines[idx].address != low {
		return low
	}

	prologueLine := info.lines[idx].line
	for idx++; idx < len(info.lines); idx++ {
		row := info.lines[idx]
		if row.endSequence || !sub.contains(row.address) {
			break
		}

		if row.address > low && row.line != prologueLine {
			return row.address
		}
	}

	return low
}

// LineBreakAddresses returns the runtime addresses of statement rows for the
// given source line.  The file matches either the full path or the base
// name.  Only the lowest address of each contiguous run is returned.
func (info *Info) LineBreakAddresses(
	file string,
	line int,
) []VirtualAddress {
	result := []VirtualAddress{}

	prevMatched := false
	for _, row := range info.lines {
		matched := !row.endSequence &&
			row.line == line &&
			row.isStatement &&
			(row.file == file || filepath.Base(row.file) == file)

		if matched && !prevMatched {
			result = append(result, info.toVirtualAddress(row.address))
		}
		prevMatched = matched
	}

	return result
}
