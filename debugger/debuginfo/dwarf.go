package debuginfo

import (
	godwarf "debug/dwarf"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"github.com/pattyshack/tdb/dwarf"
)

var (
	dwarfSectionNames = []string{
		".debug_abbrev",
		".debug_aranges",
		".debug_info",
		".debug_line",
		".debug_ranges",
		".debug_str",
	}

	// dwarf 5 sections
	dwarfAdditionalSectionNames = []string{
		".debug_addr",
		".debug_line_str",
		".debug_str_offsets",
		".debug_rnglists",
	}
)

type pendingName struct {
	sub    *subprogram
	origin godwarf.Offset
}

type dwarfLoader struct {
	*Info

	data *godwarf.Data

	names   map[godwarf.Offset]string
	pending []pendingName
}

func (info *Info) loadDwarf() error {
	sections := map[string][]byte{}
	for _, name := range append(dwarfSectionNames, dwarfAdditionalSectionNames...) {
		content, ok, err := info.file.SectionContent(name)
		if err != nil {
			return err
		}
		if ok {
			sections[name] = content
		}
	}

	if len(sections[".debug_info"]) == 0 {
		info.logger.Info("no debug info found")
		return nil
	}

	data, err := godwarf.New(
		sections[".debug_abbrev"],
		sections[".debug_aranges"],
		nil, // .debug_frame is handled by the dwarf package
		sections[".debug_info"],
		sections[".debug_line"],
		nil, // .debug_pubnames
		sections[".debug_ranges"],
		sections[".debug_str"])
	if err != nil {
		return fmt.Errorf("failed to parse debug info: %w", err)
	}

	for _, name := range dwarfAdditionalSectionNames {
		content, ok := sections[name]
		if !ok {
			continue
		}

		err := data.AddSection(name, content)
		if err != nil {
			return fmt.Errorf("failed to add %s section: %w", name, err)
		}
	}

	loader := &dwarfLoader{
		Info:  info,
		data:  data,
		names: map[godwarf.Offset]string{},
	}

	return loader.load()
}

func (loader *dwarfLoader) load() error {
	reader := loader.data.Reader()

	var unit *compileUnit
	for {
		entry, err := reader.Next()
		if err != nil {
			return fmt.Errorf("failed to read debug info entry: %w", err)
		}
		if entry == nil {
			break
		}

		switch entry.Tag {
		case godwarf.TagCompileUnit, godwarf.TagPartialUnit:
			unit, err = loader.compileUnit(entry)
		case godwarf.TagSubprogram:
			err = loader.subprogram(entry, unit)
		}

		if err != nil {
			return err
		}
	}

	for _, pending := range loader.pending {
		pending.sub.name = loader.resolveName(pending.origin, 0)
	}

	sort.SliceStable(
		loader.lines,
		func(i int, j int) bool {
			a := loader.lines[i]
			b := loader.lines[j]
			if a.address != b.address {
				return a.address < b.address
			}
			return a.endSequence && !b.endSequence
		})

	sort.SliceStable(
		loader.subprograms,
		func(i int, j int) bool {
			return loader.subprograms[i].low() < loader.subprograms[j].low()
		})

	return nil
}

// resolveName follows abstract origin / specification chains.
func (loader *dwarfLoader) resolveName(
	offset godwarf.Offset,
	depth int,
) string {
	name, ok := loader.names[offset]
	if ok || depth > 8 {
		return name
	}

	reader := loader.data.Reader()
	reader.Seek(offset)
	entry, err := reader.Next()
	if err != nil || entry == nil {
		return ""
	}

	name = entryName(entry)
	if name == "" {
		origin, ok := entryOrigin(entry)
		if ok {
			name = loader.resolveName(origin, depth+1)
		}
	}

	loader.names[offset] = name
	return name
}

func entryName(entry *godwarf.Entry) string {
	linkageName, ok := entry.Val(godwarf.AttrLinkageName).(string)
	if ok {
		demangled, err := demangle.ToString(linkageName)
		if err == nil {
			return demangled
		}
	}

	name, _ := entry.Val(godwarf.AttrName).(string)
	return name
}

func entryOrigin(entry *godwarf.Entry) (godwarf.Offset, bool) {
	for _, attr := range []godwarf.Attr{
		godwarf.AttrAbstractOrigin,
		godwarf.AttrSpecification,
	} {
		offset, ok := entry.Val(attr).(godwarf.Offset)
		if ok {
			return offset, true
		}
	}

	return 0, false
}

func (loader *dwarfLoader) ranges(entry *godwarf.Entry) ([]dwarf.AddressRange, error) {
	raw, err := loader.data.Ranges(entry)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to read address ranges of entry at %#x: %w",
			entry.Offset,
			err)
	}

	result := make([]dwarf.AddressRange, 0, len(raw))
	for _, addrRange := range raw {
		if addrRange[0] >= addrRange[1] {
			continue
		}
		result = append(
			result,
			dwarf.AddressRange{
				Low:  addrRange[0],
				High: addrRange[1],
			})
	}

	return result, nil
}

func (loader *dwarfLoader) compileUnit(
	entry *godwarf.Entry,
) (
	*compileUnit,
	error,
) {
	name, _ := entry.Val(godwarf.AttrName).(string)

	ranges, err := loader.ranges(entry)
	if err != nil {
		return nil, err
	}

	unit := &compileUnit{
		name:   name,
		ranges: ranges,
	}
	loader.units = append(loader.units, unit)

	lineReader, err := loader.data.LineReader(entry)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to read line table of compile unit (%s): %w",
			name,
			err)
	}
	if lineReader == nil {
		return unit, nil
	}

	var lineEntry godwarf.LineEntry
	for {
		err := lineReader.Next(&lineEntry)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf(
				"failed to read line table of compile unit (%s): %w",
				name,
				err)
		}

		file := ""
		if lineEntry.File != nil {
			file = lineEntry.File.Name
		}

		loader.lines = append(
			loader.lines,
			lineRow{
				address:     lineEntry.Address,
				file:        file,
				line:        lineEntry.Line,
				isStatement: lineEntry.IsStmt,
				endSequence: lineEntry.EndSequence,
			})
	}

	return unit, nil
}

func (loader *dwarfLoader) subprogram(
	entry *godwarf.Entry,
	unit *compileUnit,
) error {
	name := entryName(entry)
	if name != "" {
		loader.names[entry.Offset] = name
	}

	ranges, err := loader.ranges(entry)
	if err != nil {
		return err
	}
	if len(ranges) == 0 { // declaration or abstract instance
		return nil
	}

	sub := &subprogram{
		name:   name,
		unit:   unit,
		ranges: ranges,
	}

	if name == "" {
		origin, ok := entryOrigin(entry)
		if ok {
			loader.pending = append(
				loader.pending,
				pendingName{
					sub:    sub,
					origin: origin,
				})
		}
	}

	// Location list frame bases are not supported.
	frameBase, ok := entry.Val(godwarf.AttrFrameBase).([]byte)
	if ok {
		expression, err := dwarf.DecodeExpression(
			loader.file.ByteOrder,
			8,
			frameBase)
		if err != nil {
			loader.logger.Warn(
				"ignoring malformed frame base",
				"subprogram", name,
				"error", err)
		} else {
			sub.frameBase = expression
		}
	}

	loader.subprograms = append(loader.subprograms, sub)
	return nil
}
