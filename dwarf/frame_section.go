// NOTE: This implements both the gcc .eh_frame format and the dwarf
// .debug_frame format.  64-bit dwarf format is not supported.

package dwarf

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const (
	frameV2 = 1 // dwarf2's version value is confusingly 1
	frameV3 = 3
	frameV4 = 4

	debugFrameCIEId = 0xffffffff

	DW_EH_PE_absptr  = 0x00
	DW_EH_PE_uleb128 = 0x01
	DW_EH_PE_udata2  = 0x02
	DW_EH_PE_udata4  = 0x03
	DW_EH_PE_udata8  = 0x04
	DW_EH_PE_sleb128 = 0x09
	DW_EH_PE_sdata2  = 0x0a
	DW_EH_PE_sdata4  = 0x0b
	DW_EH_PE_sdata8  = 0x0c

	DW_EH_PE_pcrel   = 0x10
	DW_EH_PE_textrel = 0x20
	DW_EH_PE_datarel = 0x30
	DW_EH_PE_funcrel = 0x40
	DW_EH_PE_aligned = 0x50

	DW_EH_PE_indirect = 0x80
	DW_EH_PE_omit     = 0xff
)

type SectionOffset int

// All addresses are link time (file) virtual addresses.
type AddressRange struct {
	Low  uint64
	High uint64
}

func (addrRange AddressRange) Contains(addr uint64) bool {
	return addrRange.Low <= addr && addr < addrRange.High
}

type FrameSectionKind string

const (
	EhFrameSection    = FrameSectionKind(".eh_frame")
	DebugFrameSection = FrameSectionKind(".debug_frame")
)

// FrameSectionContent describes a raw frame section, as loaded from the
// object file.
type FrameSectionContent struct {
	Kind FrameSectionKind

	ByteOrder binary.ByteOrder
	Content   []byte

	// Virtual address of the section.  Used by pc relative pointers.
	Address uint64

	// Virtual address of the .text section.  Used by text relative pointers.
	TextAddress uint64

	// Virtual address of the .got.plt section (0 if missing).  Used by data
	// relative pointers.
	DataAddress uint64
}

type FrameSection struct {
	Kind FrameSectionKind

	byteOrder   binary.ByteOrder
	address     uint64
	textAddress uint64
	dataAddress uint64

	fdes []*FrameDescriptionEntry
}

func NewFrameSection(
	content FrameSectionContent,
) (
	*FrameSection,
	error,
) {
	section := &FrameSection{
		Kind:        content.Kind,
		byteOrder:   content.ByteOrder,
		address:     content.Address,
		textAddress: content.TextAddress,
		dataAddress: content.DataAddress,
	}

	decoder := &framePointerDecoder{
		cursorStart: content.Address,
		Cursor:      NewCursor(content.ByteOrder, content.Content),
		textStart:   content.TextAddress,
		dataStart:   content.DataAddress,
		funcStart:   0,
	}

	parse := frameParser{
		framePointerDecoder: decoder,
		cies:                map[SectionOffset]*CommonInfoEntry{},
		FrameSection:        section,
	}

	for !parse.HasReachedEnd() {
		err := parse.frameEntry()
		if err != nil {
			return nil, fmt.Errorf(
				"failed to parse %s section: %w",
				content.Kind,
				err)
		}
	}

	sort.Slice(
		section.fdes,
		func(i int, j int) bool {
			return section.fdes[i].Low < section.fdes[j].Low
		})

	return section, nil
}

func (section *FrameSection) FDEContainingAddress(
	address uint64,
) *FrameDescriptionEntry {
	// index of the first fde whose Low > address
	idx := sort.Search(
		len(section.fdes),
		func(i int) bool {
			return section.fdes[i].Low > address
		})
	if idx == 0 {
		return nil
	}

	fde := section.fdes[idx-1]
	if !fde.Contains(address) {
		return nil
	}

	return fde
}

// ComputeUnwindRulesAt returns nil rules if no fde covers the address.
func (section *FrameSection) ComputeUnwindRulesAt(
	address uint64,
) (
	*UnwindRules,
	error,
) {
	fde := section.FDEContainingAddress(address)
	if fde == nil {
		return nil, nil
	}

	return computeUnwindRules(fde, address)
}

// CallFrameTable combines the frame sections of a single object file.
// Sections are consulted in order.
type CallFrameTable []*FrameSection

func (table CallFrameTable) ComputeUnwindRulesAt(
	address uint64,
) (
	*UnwindRules,
	error,
) {
	for _, section := range table {
		rules, err := section.ComputeUnwindRulesAt(address)
		if err != nil || rules != nil {
			return rules, err
		}
	}

	return nil, nil
}

type CommonInfoEntry struct {
	*FrameSection

	SectionOffset

	CodeAlignmentFactor uint64
	DataAlignmentFactor int64

	ReturnAddressRegister RegisterId

	HasAugmentation bool
	PointerEncoding uint8

	InstructionsStart SectionOffset
	Instructions      []byte
}

type FrameDescriptionEntry struct {
	SectionOffset

	*CommonInfoEntry

	AddressRange

	InstructionsStart SectionOffset
	Instructions      []byte
}

type frameParser struct {
	*framePointerDecoder

	cies map[SectionOffset]*CommonInfoEntry

	*FrameSection
}

func (parse *frameParser) isEhFrame() bool {
	return parse.FrameSection.Kind == EhFrameSection
}

func (parse *frameParser) frameEntry() error {
	start := parse.Position

	size, err := parse.U32()
	if err != nil {
		return fmt.Errorf("failed to parse frame entry. invalid size: %w", err)
	}
	if size == ^uint32(0) {
		return fmt.Errorf(
			"failed to parse frame entry. 64-bit dwarf format not supported")
	}
	if size == 0 { // zero terminator (eh format)
		return nil
	}

	end := parse.Position + int(size)
	if end > len(parse.Content) {
		return fmt.Errorf(
			"failed to parse frame entry (%d). size out of bound",
			start)
	}

	idStart := parse.Position
	id, err := parse.U32()
	if err != nil {
		return fmt.Errorf("failed to parse frame entry. invalid cie id: %w", err)
	}

	// NOTE: eh format uses 0 to indicate common info entry and a delta
	// relative to the id field for the fde's cie pointer, whereas dwarf format
	// uses 0xffffffff and a section offset.
	isCIE := id == debugFrameCIEId
	cieOffset := SectionOffset(id)
	if parse.isEhFrame() {
		isCIE = id == 0
		cieOffset = SectionOffset(idStart - int(id))
	}

	if isCIE {
		cie, err := parse.commonInfoEntry(start, end)
		if err != nil {
			return fmt.Errorf("failed to parse common info entry: %w", err)
		}

		parse.cies[cie.SectionOffset] = cie
	} else {
		fde, err := parse.frameDescriptionEntry(start, end, cieOffset)
		if err != nil {
			return fmt.Errorf("failed to parse frame description entry: %w", err)
		}

		parse.fdes = append(parse.fdes, fde)
	}

	_, err = parse.Seek(end, io.SeekStart)
	return err
}

func (parse *frameParser) commonInfoEntry(
	start int,
	end int,
) (
	*CommonInfoEntry,
	error,
) {
	version, err := parse.U8()
	if err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	switch version {
	case frameV2, frameV3, frameV4:
	default:
		return nil, fmt.Errorf("frame version %d not supported", version)
	}

	augmentationString, err := parse.String()
	if err != nil {
		return nil, fmt.Errorf("invalid augmentation string: %w", err)
	}

	if version == frameV4 {
		addressSize, err := parse.U8()
		if err != nil {
			return nil, fmt.Errorf("invalid address size: %w", err)
		}
		if addressSize != 8 {
			return nil, fmt.Errorf("address size %d not supported", addressSize)
		}

		segmentSize, err := parse.U8()
		if err != nil {
			return nil, fmt.Errorf("invalid segment size: %w", err)
		}
		if segmentSize != 0 {
			return nil, fmt.Errorf("segment size %d not supported", segmentSize)
		}
	}

	codeAlignmentFactor, err := parse.ULEB128(64)
	if err != nil {
		return nil, fmt.Errorf("invalid code alignment factor: %w", err)
	}

	dataAlignmentFactor, err := parse.SLEB128(64)
	if err != nil {
		return nil, fmt.Errorf("invalid data alignment factor: %w", err)
	}

	var returnAddressRegister uint64
	if version == frameV2 {
		reg, err := parse.U8()
		if err != nil {
			return nil, fmt.Errorf("invalid return address register: %w", err)
		}
		returnAddressRegister = uint64(reg)
	} else {
		returnAddressRegister, err = parse.ULEB128(64)
		if err != nil {
			return nil, fmt.Errorf("invalid return address register: %w", err)
		}
	}

	// .debug_frame entries use absolute 8 byte pointers unless augmented.
	pointerEncoding := uint8(DW_EH_PE_absptr)

	augmentationDataStart := 0
	augmentationDataSize := 0
	for idx, char := range []byte(augmentationString) {
		if idx == 0 && char != 'z' {
			return nil, fmt.Errorf("invalid augmentation (%s)", augmentationString)
		}

		switch char {
		case 'z':
			if idx != 0 {
				return nil, fmt.Errorf("malformed augmentation")
			}

			size, err := parse.ULEB128(31)
			if err != nil {
				return nil, fmt.Errorf("invalid augmentation size: %w", err)
			}
			augmentationDataStart = parse.Position
			augmentationDataSize = int(size)
		case 'R':
			encoding, err := parse.U8()
			if err != nil {
				return nil, fmt.Errorf("invalid fde pointer encoding: %w", err)
			}
			pointerEncoding = encoding
		case 'L':
			// language specific data area pointer encoding (not used by the debugger)
			_, err := parse.U8()
			if err != nil {
				return nil, fmt.Errorf("invalid language pointer encoding: %w", err)
			}
		case 'P':
			// personality pointer (not used by the debugger)
			encoding, err := parse.U8()
			if err != nil {
				return nil, fmt.Errorf("invalid personality pointer encoding: %w", err)
			}

			_, err = parse.framePointer(encoding)
			if err != nil {
				return nil, fmt.Errorf("invalid personality pointer: %w", err)
			}
		case 'S':
			// signal frame.  No data.
		default:
			return nil, fmt.Errorf(
				"unsupported augmentation (%s)",
				augmentationString)
		}
	}

	hasAugmentation := len(augmentationString) != 0
	if hasAugmentation {
		size := parse.Position - augmentationDataStart
		if augmentationDataSize != size {
			return nil, fmt.Errorf(
				"incorrect augmentation data size (%d != %d)",
				augmentationDataSize,
				size)
		}
	}

	instructionsStart := SectionOffset(parse.Position)
	instructions, err := parse.Bytes(end - parse.Position)
	if err != nil {
		return nil, fmt.Errorf("invalid instructions: %w", err)
	}

	return &CommonInfoEntry{
		FrameSection:          parse.FrameSection,
		SectionOffset:         SectionOffset(start),
		CodeAlignmentFactor:   codeAlignmentFactor,
		DataAlignmentFactor:   dataAlignmentFactor,
		ReturnAddressRegister: RegisterId(returnAddressRegister),
		HasAugmentation:       hasAugmentation,
		PointerEncoding:       pointerEncoding,
		InstructionsStart:     instructionsStart,
		Instructions:          instructions,
	}, nil
}

func (parse *frameParser) frameDescriptionEntry(
	start int,
	end int,
	cieId SectionOffset,
) (
	*FrameDescriptionEntry,
	error,
) {
	cie, ok := parse.cies[cieId]
	if !ok {
		return nil, fmt.Errorf("common info entry (%d) not found", cieId)
	}

	lowAddress, err := parse.framePointer(cie.PointerEncoding)
	if err != nil {
		return nil, fmt.Errorf("invalid initial location address: %w", err)
	}

	// NOTE: delta (aka FDE address_range) uses the same offset encoding as
	// regular cie.PointerEncoding, but always uses 0 (absptr) as base.
	offsetEncoding := cie.PointerEncoding & 0x0f
	deltaEncoding := DW_EH_PE_absptr | offsetEncoding

	delta, err := parse.framePointer(deltaEncoding)
	if err != nil {
		return nil, fmt.Errorf("invalid address range: %w", err)
	}

	if cie.HasAugmentation {
		size, err := parse.ULEB128(31)
		if err != nil {
			return nil, fmt.Errorf("invalid augmentation size: %w", err)
		}

		// lsda pointer (not used by the debugger)
		_, err = parse.Bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("invalid augmentation data: %w", err)
		}
	}

	instructionsStart := SectionOffset(parse.Position)
	instructions, err := parse.Bytes(end - parse.Position)
	if err != nil {
		return nil, fmt.Errorf("invalid instructions: %w", err)
	}

	return &FrameDescriptionEntry{
		SectionOffset:   SectionOffset(start),
		CommonInfoEntry: cie,
		AddressRange: AddressRange{
			Low:  lowAddress,
			High: lowAddress + delta,
		},
		InstructionsStart: instructionsStart,
		Instructions:      instructions,
	}, nil
}

type framePointerDecoder struct {
	cursorStart uint64 // virtual address of the cursor's content
	*Cursor

	// The start of the .text section
	textStart uint64

	// When decoding frame entries, dataStart is 0.
	//
	// When decoding CIE/FDE instructions, dataStart is either the start of
	// the .got.plt section, or 0 if the section is missing.
	dataStart uint64

	// When parsing cie/fde instructions, FuncStart is fde.AddressRange.Low.
	// Otherwise, FuncStart is zero.
	funcStart uint64
}

func newInstructionDecoder(
	fde *FrameDescriptionEntry,
	instructionsStart SectionOffset,
	instructions []byte,
) *framePointerDecoder {
	section := fde.FrameSection

	return &framePointerDecoder{
		cursorStart: section.address + uint64(instructionsStart),
		Cursor:      NewCursor(section.byteOrder, instructions),
		textStart:   section.textAddress,
		dataStart:   section.dataAddress,
		funcStart:   fde.Low,
	}
}

// block decodes a uleb128 length prefixed byte block.
func (decode *framePointerDecoder) block() ([]byte, error) {
	size, err := decode.ULEB128(32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode block size: %w", err)
	}

	content, err := decode.Bytes(int(size))
	if err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}

	return content, nil
}

func (decode *framePointerDecoder) framePointer(
	encoding uint8,
) (
	uint64,
	error,
) {
	ptr, err := decode._framePointer(encoding)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to parse frame pointer: %w",
			err)
	}

	return ptr, nil
}

func (decode *framePointerDecoder) _framePointer(
	encoding uint8,
) (
	uint64,
	error,
) {
	if encoding&DW_EH_PE_indirect != 0 {
		return 0, fmt.Errorf("indirect frame pointer encoding not supported")
	}

	base := uint64(0)
	switch encoding & 0x70 {
	case DW_EH_PE_absptr:
		// do nothing
	case DW_EH_PE_pcrel:
		base = decode.cursorStart + uint64(decode.Position)
	case DW_EH_PE_textrel:
		base = decode.textStart
	case DW_EH_PE_datarel:
		base = decode.dataStart
	case DW_EH_PE_funcrel:
		base = decode.funcStart
	default:
		return 0, fmt.Errorf("unsupported frame pointer encoding (%d)", encoding)
	}

	offset := int64(0)

	switch encoding & 0xf {
	case DW_EH_PE_absptr, DW_EH_PE_udata8:
		off, err := decode.U64()
		if err != nil {
			return 0, err
		}
		offset = int64(off)
	case DW_EH_PE_uleb128:
		off, err := decode.ULEB128(64)
		if err != nil {
			return 0, err
		}
		offset = int64(off)
	case DW_EH_PE_udata2:
		off, err := decode.U16()
		if err != nil {
			return 0, err
		}
		offset = int64(off)
	case DW_EH_PE_udata4:
		off, err := decode.U32()
		if err != nil {
			return 0, err
		}
		offset = int64(off)
	case DW_EH_PE_sleb128:
		off, err := decode.SLEB128(64)
		if err != nil {
			return 0, err
		}
		offset = off
	case DW_EH_PE_sdata2:
		off, err := decode.S16()
		if err != nil {
			return 0, err
		}
		offset = int64(off)
	case DW_EH_PE_sdata4:
		off, err := decode.S32()
		if err != nil {
			return 0, err
		}
		offset = int64(off)
	case DW_EH_PE_sdata8:
		off, err := decode.S64()
		if err != nil {
			return 0, err
		}
		offset = off
	default:
		return 0, fmt.Errorf("unsupported frame pointer encoding (%d)", encoding)
	}

	return base + uint64(offset), nil
}
