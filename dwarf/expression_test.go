package dwarf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type fakeExpressionContext struct {
	loadBias  uint64
	registers map[RegisterId]uint64
	memory    map[uint64]uint64
	cfa       uint64
}

func newFakeExpressionContext() *fakeExpressionContext {
	return &fakeExpressionContext{
		registers: map[RegisterId]uint64{},
		memory:    map[uint64]uint64{},
	}
}

func (fakeExpressionContext) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

func (fakeExpressionContext) AddressSize() int {
	return 8
}

func (ctx *fakeExpressionContext) LoadBias() uint64 {
	return ctx.loadBias
}

func (ctx *fakeExpressionContext) RegisterValue(id RegisterId) (uint64, error) {
	value, ok := ctx.registers[id]
	if !ok {
		return 0, fmt.Errorf("register %d unavailable", id)
	}
	return value, nil
}

func (ctx *fakeExpressionContext) ReadMemory(
	addr uint64,
	out []byte,
) (
	int,
	error,
) {
	value, ok := ctx.memory[addr]
	if !ok {
		return 0, fmt.Errorf("unmapped address 0x%x", addr)
	}

	buffer := make([]byte, 8)
	binary.LittleEndian.PutUint64(buffer, value)
	return copy(out, buffer), nil
}

func (ctx *fakeExpressionContext) CanonicalFrameAddress() (uint64, error) {
	return ctx.cfa, nil
}

type ExpressionSuite struct{}

func TestExpression(t *testing.T) {
	suite.RunTests(t, &ExpressionSuite{})
}

func (ExpressionSuite) evaluate(
	t *testing.T,
	ctx ExpressionContext,
	content []byte,
	frameBase uint64,
) (
	EvaluationResult,
	error,
) {
	expression, err := DecodeExpression(binary.LittleEndian, 8, content)
	expect.Nil(t, err)

	return EvaluateExpression(ctx, expression, frameBase)
}

func (s ExpressionSuite) TestLiteralsOnlyIsConstant(t *testing.T) {
	ctx := newFakeExpressionContext()

	// lit10 lit3 minus const1u(4) mul
	result, err := s.evaluate(
		t,
		ctx,
		[]byte{0x3a, 0x33, 0x1c, 0x08, 0x04, 0x1e},
		0)
	expect.Nil(t, err)
	expect.Equal(t, 28, result.Value)
	expect.False(t, result.IsRegister)
	expect.Equal(t, Constant, result.Classification)
}

func (s ExpressionSuite) TestAddressAppliesLoadBias(t *testing.T) {
	ctx := newFakeExpressionContext()
	ctx.loadBias = 0x5500_0000_0000

	result, err := s.evaluate(
		t,
		ctx,
		[]byte{0x03, 0x10, 0x40, 0, 0, 0, 0, 0, 0},
		0)
	expect.Nil(t, err)
	expect.Equal(t, 0x5500_0000_4010, result.Value)
	expect.Equal(t, Constant, result.Classification)
}

func (s ExpressionSuite) TestBaseRegister(t *testing.T) {
	ctx := newFakeExpressionContext()
	ctx.registers[7] = 0x7ffe_0000_1000

	// breg7 -8
	result, err := s.evaluate(t, ctx, []byte{0x77, 0x78}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 0x7ffe_0000_0ff8, result.Value)
	expect.Equal(t, NeedsRegisters, result.Classification)

	// bregx 6 16
	ctx.registers[6] = 0x100
	result, err = s.evaluate(t, ctx, []byte{0x92, 0x06, 0x10}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 0x110, result.Value)
	expect.Equal(t, NeedsRegisters, result.Classification)
}

func (s ExpressionSuite) TestFrameBase(t *testing.T) {
	ctx := newFakeExpressionContext()

	// fbreg -16
	result, err := s.evaluate(t, ctx, []byte{0x91, 0x70}, 0x2000)
	expect.Nil(t, err)
	expect.Equal(t, 0x1ff0, result.Value)
	expect.Equal(t, NeedsFrameBase, result.Classification)
}

func (s ExpressionSuite) TestClassificationIsMonotonic(t *testing.T) {
	ctx := newFakeExpressionContext()
	ctx.memory[0x1ff0] = 42

	// fbreg -16, deref, stack_value: the frame base requirement dominates.
	result, err := s.evaluate(t, ctx, []byte{0x91, 0x70, 0x06, 0x9f}, 0x2000)
	expect.Nil(t, err)
	expect.Equal(t, 42, result.Value)
	expect.Equal(t, NeedsFrameBase, result.Classification)

	// lit16 deref
	ctx.memory[0x10] = 7
	result, err = s.evaluate(t, ctx, []byte{0x40, 0x06}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 7, result.Value)
	expect.Equal(t, NeedsMemoryAccess, result.Classification)
}

func (s ExpressionSuite) TestStackValue(t *testing.T) {
	ctx := newFakeExpressionContext()

	result, err := s.evaluate(t, ctx, []byte{0x35, 0x9f}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 5, result.Value)
	expect.Equal(t, LocationIsConstantNotAddress, result.Classification)
}

func (s ExpressionSuite) TestDerefSize(t *testing.T) {
	ctx := newFakeExpressionContext()
	ctx.memory[0x20] = 0x1122334455667788

	// lit0 plus_uconst(0x20) deref_size(2)
	result, err := s.evaluate(t, ctx, []byte{0x30, 0x23, 0x20, 0x94, 0x02}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 0x7788, result.Value)
}

func (s ExpressionSuite) TestDerefOddSize(t *testing.T) {
	ctx := newFakeExpressionContext()
	ctx.memory[0x20] = 0x1122334455667788

	// lit0 plus_uconst(0x20) deref_size(3)
	result, err := s.evaluate(t, ctx, []byte{0x30, 0x23, 0x20, 0x94, 0x03}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 0x667788, result.Value)

	// lit0 plus_uconst(0x20) deref_size(7)
	result, err = s.evaluate(t, ctx, []byte{0x30, 0x23, 0x20, 0x94, 0x07}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 0x22334455667788, result.Value)

	// lit0 plus_uconst(0x20) deref_size(0)
	_, err = s.evaluate(t, ctx, []byte{0x30, 0x23, 0x20, 0x94, 0x00}, 0)
	expect.True(t, errors.Is(err, ErrMalformedExpression))
}

func (s ExpressionSuite) TestCallFrameCFA(t *testing.T) {
	ctx := newFakeExpressionContext()
	ctx.cfa = 0x7000

	result, err := s.evaluate(t, ctx, []byte{0x9c}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 0x7000, result.Value)
	expect.Equal(t, NeedsRegisters, result.Classification)
}

func (s ExpressionSuite) TestRegisterAlone(t *testing.T) {
	ctx := newFakeExpressionContext()

	result, err := s.evaluate(t, ctx, []byte{0x53}, 0)
	expect.Nil(t, err)
	expect.True(t, result.IsRegister)
	expect.Equal(t, 3, result.Value)

	// regx 17
	result, err = s.evaluate(t, ctx, []byte{0x90, 0x11}, 0)
	expect.Nil(t, err)
	expect.True(t, result.IsRegister)
	expect.Equal(t, 17, result.Value)
}

func (s ExpressionSuite) TestRegisterWithOtherOperationsFails(t *testing.T) {
	ctx := newFakeExpressionContext()

	_, err := s.evaluate(t, ctx, []byte{0x53, 0x31, 0x22}, 0)
	expect.True(t, errors.Is(err, ErrMalformedExpression))
}

func (s ExpressionSuite) TestStackMustEndWithSingleValue(t *testing.T) {
	ctx := newFakeExpressionContext()

	_, err := s.evaluate(t, ctx, []byte{0x31, 0x32}, 0)
	expect.True(t, errors.Is(err, ErrMalformedExpression))

	_, err = EvaluateExpression(ctx, Expression{}, 0)
	expect.True(t, errors.Is(err, ErrMalformedExpression))
}

func (ExpressionSuite) TestUnsupportedOperationFails(t *testing.T) {
	// DW_OP_piece
	_, err := DecodeExpression(binary.LittleEndian, 8, []byte{0x50, 0x93, 0x08})
	expect.True(t, errors.Is(err, ErrMalformedExpression))

	ctx := newFakeExpressionContext()
	_, err = EvaluateExpression(
		ctx,
		Expression{{Operation: DW_OP_lit1}, {Operation: DW_OP_xderef}},
		0)
	expect.True(t, errors.Is(err, ErrMalformedExpression))
}

func (ExpressionSuite) TestTruncatedOperandFails(t *testing.T) {
	// const1s without its operand
	_, err := DecodeExpression(binary.LittleEndian, 8, []byte{0x09})
	expect.Error(t, err, "failed to decode expression (0)")
	expect.True(t, errors.Is(err, ErrMalformedExpression))
	expect.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	// consts without its operand
	_, err = DecodeExpression(binary.LittleEndian, 8, []byte{0x11})
	expect.True(t, errors.Is(err, ErrMalformedExpression))

	// lit1 fbreg with an unterminated operand
	_, err = DecodeExpression(binary.LittleEndian, 8, []byte{0x31, 0x91, 0x80})
	expect.Error(t, err, "failed to decode expression (1)")
	expect.True(t, errors.Is(err, ErrMalformedExpression))

	// addr with a short operand
	_, err = DecodeExpression(binary.LittleEndian, 8, []byte{0x03, 0x10, 0x40})
	expect.True(t, errors.Is(err, ErrMalformedExpression))
}

func (ExpressionSuite) TestStackOverflow(t *testing.T) {
	expression := Expression{}
	for i := 0; i <= expressionStackSize; i++ {
		expression = append(expression, Instruction{Operation: DW_OP_lit1})
	}

	_, err := EvaluateExpression(newFakeExpressionContext(), expression, 0)
	expect.Error(t, err, "stack overflow")
	expect.True(t, errors.Is(err, ErrMalformedExpression))
}

func (s ExpressionSuite) TestBranch(t *testing.T) {
	ctx := newFakeExpressionContext()

	// lit1 bra(+1) lit5 lit7
	result, err := s.evaluate(
		t,
		ctx,
		[]byte{0x31, 0x28, 0x01, 0x00, 0x35, 0x37},
		0)
	expect.Nil(t, err)
	expect.Equal(t, 7, result.Value)

	// lit0 bra(+1) lit5 skip(+1) lit7
	result, err = s.evaluate(
		t,
		ctx,
		[]byte{0x30, 0x28, 0x01, 0x00, 0x35, 0x2f, 0x01, 0x00, 0x37},
		0)
	expect.Nil(t, err)
	expect.Equal(t, 5, result.Value)
}

func (ExpressionSuite) TestBranchIntoOperandFails(t *testing.T) {
	// skip(+1) lands inside const1u's operand
	_, err := DecodeExpression(
		binary.LittleEndian,
		8,
		[]byte{0x2f, 0x01, 0x00, 0x08, 0x04})
	expect.True(t, errors.Is(err, ErrMalformedExpression))
}

func (s ExpressionSuite) TestStackManipulation(t *testing.T) {
	ctx := newFakeExpressionContext()

	// lit1 lit2 lit3 rot -> [3 1 2]; pick(2) -> [3 1 2 3]; minus -> [3 1 -1]
	// drop -> [3 1]; over -> [3 1 3]; swap -> [3 3 1]; plus plus -> 7
	result, err := s.evaluate(
		t,
		ctx,
		[]byte{
			0x31, 0x32, 0x33, 0x17, 0x15, 0x02, 0x1c,
			0x13, 0x14, 0x16, 0x22, 0x22,
		},
		0)
	expect.Nil(t, err)
	expect.Equal(t, 7, result.Value)
}

func (s ExpressionSuite) TestSignedArithmetic(t *testing.T) {
	ctx := newFakeExpressionContext()

	// consts(-9) abs
	result, err := s.evaluate(t, ctx, []byte{0x11, 0x77, 0x19}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 9, result.Value)

	// consts(-9) lit2 div -> -4
	result, err = s.evaluate(t, ctx, []byte{0x11, 0x77, 0x32, 0x1b}, 0)
	expect.Nil(t, err)
	expect.Equal(t, uint64(0xfffffffffffffffc), result.Value)

	// consts(-1) lit0 lt
	result, err = s.evaluate(t, ctx, []byte{0x11, 0x7f, 0x30, 0x2d}, 0)
	expect.Nil(t, err)
	expect.Equal(t, 1, result.Value)

	// lit1 lit0 div
	_, err = s.evaluate(t, ctx, []byte{0x31, 0x30, 0x1b}, 0)
	expect.Error(t, err, "division by zero")
}

func (s ExpressionSuite) TestRegisterReadFailurePropagates(t *testing.T) {
	ctx := newFakeExpressionContext()

	_, err := s.evaluate(t, ctx, []byte{0x70, 0x00}, 0)
	expect.Error(t, err, "register 0 unavailable")
	expect.False(t, errors.Is(err, ErrMalformedExpression))
}
