package dwarf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Cursor decodes DWARF encoded values from a byte slice.  Every successful
// read advances Position.
type Cursor struct {
	binary.ByteOrder

	Content  []byte
	Position int
}

func NewCursor(
	byteOrder binary.ByteOrder,
	content []byte,
) *Cursor {
	return &Cursor{
		ByteOrder: byteOrder,
		Content:   content,
	}
}

func (cursor *Cursor) remaining() []byte {
	return cursor.Content[cursor.Position:]
}

func (cursor *Cursor) HasReachedEnd() bool {
	return cursor.Position >= len(cursor.Content)
}

func (cursor *Cursor) Seek(offset int, whence int) (int, error) {
	pos := offset
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		pos += cursor.Position
	case io.SeekEnd:
		pos += len(cursor.Content)
	default:
		return 0, fmt.Errorf("invalid seek whence (%d)", whence)
	}

	if pos < 0 || len(cursor.Content) < pos {
		return 0, fmt.Errorf("out of bound seek (%d)", pos)
	}

	cursor.Position = pos
	return pos, nil
}

func (cursor *Cursor) Bytes(size int) ([]byte, error) {
	content := cursor.remaining()
	if size < 0 || len(content) < size {
		return nil, fmt.Errorf(
			"out of bound slice [%d:%d+%d] (%d bytes)",
			cursor.Position,
			cursor.Position,
			size,
			len(cursor.Content))
	}

	cursor.Position += size
	return content[:size], nil
}

// String decodes a null terminated string.
func (cursor *Cursor) String() (string, error) {
	content := cursor.remaining()
	if len(content) == 0 {
		return "", fmt.Errorf("cannot decode string: %w", io.EOF)
	}

	end := bytes.IndexByte(content, 0)
	if end == -1 {
		return "", fmt.Errorf("string not terminated (%d)", cursor.Position)
	}

	cursor.Position += end + 1
	return string(content[:end]), nil
}

// Unsigned decodes a fixed size (1, 2, 4 or 8 bytes) unsigned value.
func (cursor *Cursor) Unsigned(size int) (uint64, error) {
	if size < 1 || size > 8 {
		return 0, fmt.Errorf("unsupported value size (%d)", size)
	}

	content := cursor.remaining()
	if len(content) < size {
		return 0, fmt.Errorf(
			"cannot decode %d byte value (%d): %w",
			size,
			cursor.Position,
			io.ErrUnexpectedEOF)
	}

	var result uint64
	switch size {
	case 1:
		result = uint64(content[0])
	case 2:
		result = uint64(cursor.Uint16(content))
	case 4:
		result = uint64(cursor.Uint32(content))
	case 8:
		result = cursor.Uint64(content)
	default:
		var buffer [8]byte
		if cursor.ByteOrder == binary.BigEndian {
			copy(buffer[8-size:], content[:size])
		} else {
			copy(buffer[:], content[:size])
		}
		result = cursor.Uint64(buffer[:])
	}

	cursor.Position += size
	return result, nil
}

// Signed decodes a fixed size (1 to 8 bytes) sign extended value.
func (cursor *Cursor) Signed(size int) (int64, error) {
	value, err := cursor.Unsigned(size)
	if err != nil {
		return 0, err
	}

	shift := 64 - 8*size
	return int64(value<<shift) >> shift, nil
}

// Address is an alias of Unsigned used for target address operands.
func (cursor *Cursor) Address(size int) (uint64, error) {
	return cursor.Unsigned(size)
}

func (cursor *Cursor) U8() (uint8, error) {
	value, err := cursor.Unsigned(1)
	return uint8(value), err
}

func (cursor *Cursor) S8() (int8, error) {
	value, err := cursor.Signed(1)
	return int8(value), err
}

func (cursor *Cursor) U16() (uint16, error) {
	value, err := cursor.Unsigned(2)
	return uint16(value), err
}

func (cursor *Cursor) S16() (int16, error) {
	value, err := cursor.Signed(2)
	return int16(value), err
}

func (cursor *Cursor) U32() (uint32, error) {
	value, err := cursor.Unsigned(4)
	return uint32(value), err
}

func (cursor *Cursor) S32() (int32, error) {
	value, err := cursor.Signed(4)
	return int32(value), err
}

func (cursor *Cursor) U64() (uint64, error) {
	return cursor.Unsigned(8)
}

func (cursor *Cursor) S64() (int64, error) {
	return cursor.Signed(8)
}

// leb128 returns the raw value, the number of decoded bits, and the last
// decoded byte.
func (cursor *Cursor) leb128(bitSize int) (uint64, int, byte, error) {
	content := cursor.remaining()
	if len(content) == 0 {
		return 0, 0, 0, fmt.Errorf("cannot decode LEB128: %w", io.EOF)
	}

	result := uint64(0)
	shift := 0
	for idx, current := range content {
		if shift >= bitSize {
			break
		}

		result |= uint64(current&0x7f) << shift
		shift += 7

		if current&0x80 == 0 {
			cursor.Position += idx + 1
			return result, shift, current, nil
		}
	}

	return 0, 0, 0, fmt.Errorf("LEB128 not terminated (%d)", cursor.Position)
}

func (cursor *Cursor) ULEB128(bitSize int) (uint64, error) {
	result, _, _, err := cursor.leb128(bitSize)
	return result, err
}

func (cursor *Cursor) SLEB128(bitSize int) (int64, error) {
	result, shift, last, err := cursor.leb128(bitSize)
	if err != nil {
		return 0, err
	}

	if shift < 64 && last&0x40 != 0 {
		result |= ^uint64(0) << shift
	}

	return int64(result), nil
}
