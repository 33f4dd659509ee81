package dwarf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	expressionStackSize = 64

	// Upper bound on executed instructions.  Guards against malformed
	// backward branches.
	maxExpressionSteps = 4096
)

// Wrapped by every error caused by the expression's own encoding (as opposed
// to failures reading the target's registers or memory).
var ErrMalformedExpression = fmt.Errorf("malformed location expression")

// Classification describes the minimum amount of live target state required
// to evaluate an expression.  Values are ordered by increasing requirement.
type Classification int

const (
	Constant = Classification(iota)

	// The result is the variable's value rather than its address.
	LocationIsConstantNotAddress

	NeedsMemoryAccess
	NeedsRegisters

	// Frame base evaluation always requires registers.
	NeedsFrameBase
)

func (classification Classification) String() string {
	switch classification {
	case Constant:
		return "constant"
	case LocationIsConstantNotAddress:
		return "location is constant not address"
	case NeedsMemoryAccess:
		return "needs memory access"
	case NeedsRegisters:
		return "needs registers"
	case NeedsFrameBase:
		return "needs frame base"
	default:
		return fmt.Sprintf("unknown classification (%d)", int(classification))
	}
}

// Instruction is a single decoded expression operation.  Signed operands are
// stored in two's complement.  For DW_OP_skip and DW_OP_bra, Operands[0] is
// the index of the branch target instruction (len(expression) terminates the
// evaluation).
type Instruction struct {
	Operation
	Operands [2]uint64
}

func (inst Instruction) String() string {
	return fmt.Sprintf("%s %d %d", inst.Operation, inst.Operands[0], inst.Operands[1])
}

type Expression []Instruction

type ExpressionContext interface {
	ByteOrder() binary.ByteOrder

	AddressSize() int

	LoadBias() uint64 // virtual address

	// The register id is in dwarf numbering.
	RegisterValue(id RegisterId) (uint64, error)

	ReadMemory(virtualAddress uint64, out []byte) (int, error)

	CanonicalFrameAddress() (uint64, error) // virtual address
}

type EvaluationResult struct {
	// When IsRegister is true, Value is a dwarf RegisterId.  Otherwise, Value
	// is either an address or a literal value, depending on Classification.
	Value      uint64
	IsRegister bool

	Classification
}

func DecodeExpression(
	byteOrder binary.ByteOrder,
	addressSize int,
	content []byte,
) (
	Expression,
	error,
) {
	cursor := NewCursor(byteOrder, content)

	expression := Expression{}
	offsets := []int{}

	// branch instruction index -> target byte offset
	branchTargets := map[int]int{}

	for !cursor.HasReachedEnd() {
		start := cursor.Position

		inst, err := decodeInstruction(cursor, addressSize)
		if err != nil {
			if errors.Is(err, ErrMalformedExpression) {
				return nil, fmt.Errorf(
					"failed to decode expression (%d): %w",
					start,
					err)
			}
			return nil, fmt.Errorf(
				"%w. failed to decode expression (%d): %w",
				ErrMalformedExpression,
				start,
				err)
		}

		if inst.Operation == DW_OP_skip || inst.Operation == DW_OP_bra {
			branchTargets[len(expression)] = cursor.Position +
				int(int64(inst.Operands[0]))
		}

		expression = append(expression, inst)
		offsets = append(offsets, start)
	}

	indices := make(map[int]int, len(offsets)+1)
	for idx, offset := range offsets {
		indices[offset] = idx
	}
	indices[len(content)] = len(expression)

	for idx, target := range branchTargets {
		targetIdx, ok := indices[target]
		if !ok {
			return nil, fmt.Errorf(
				"%w. %s branch target (%d) is not an instruction boundary",
				ErrMalformedExpression,
				expression[idx].Operation,
				target)
		}

		expression[idx].Operands[0] = uint64(targetIdx)
	}

	return expression, nil
}

func decodeInstruction(
	cursor *Cursor,
	addressSize int,
) (
	Instruction,
	error,
) {
	opCode, err := cursor.U8()
	if err != nil {
		return Instruction{}, err
	}

	inst := Instruction{
		Operation: Operation(opCode),
	}

	op := inst.Operation
	if op.IsLiteral() ||
		DW_OP_reg0 <= op && op <= DW_OP_reg31 {

		return inst, nil
	}

	if DW_OP_breg0 <= op && op <= DW_OP_breg31 {
		offset, err := cursor.SLEB128(64)
		inst.Operands[0] = uint64(offset)
		return inst, err
	}

	switch op {
	case DW_OP_deref,
		DW_OP_dup,
		DW_OP_drop,
		DW_OP_over,
		DW_OP_swap,
		DW_OP_rot,
		DW_OP_abs,
		DW_OP_and,
		DW_OP_div,
		DW_OP_minus,
		DW_OP_mod,
		DW_OP_mul,
		DW_OP_neg,
		DW_OP_not,
		DW_OP_or,
		DW_OP_plus,
		DW_OP_shl,
		DW_OP_shr,
		DW_OP_shra,
		DW_OP_xor,
		DW_OP_eq,
		DW_OP_ge,
		DW_OP_gt,
		DW_OP_le,
		DW_OP_lt,
		DW_OP_ne,
		DW_OP_nop,
		DW_OP_call_frame_cfa,
		DW_OP_stack_value:

		return inst, nil

	case DW_OP_addr:
		inst.Operands[0], err = cursor.Address(addressSize)
	case DW_OP_const1u, DW_OP_pick, DW_OP_deref_size:
		var n uint8
		n, err = cursor.U8()
		inst.Operands[0] = uint64(n)
	case DW_OP_const1s:
		var n int8
		n, err = cursor.S8()
		inst.Operands[0] = uint64(n)
	case DW_OP_const2u:
		var n uint16
		n, err = cursor.U16()
		inst.Operands[0] = uint64(n)
	case DW_OP_const2s:
		var n int16
		n, err = cursor.S16()
		inst.Operands[0] = uint64(n)
	case DW_OP_const4u:
		var n uint32
		n, err = cursor.U32()
		inst.Operands[0] = uint64(n)
	case DW_OP_const4s:
		var n int32
		n, err = cursor.S32()
		inst.Operands[0] = uint64(n)
	case DW_OP_const8u:
		inst.Operands[0], err = cursor.U64()
	case DW_OP_const8s:
		var n int64
		n, err = cursor.S64()
		inst.Operands[0] = uint64(n)
	case DW_OP_constu, DW_OP_plus_uconst, DW_OP_regx:
		inst.Operands[0], err = cursor.ULEB128(64)
	case DW_OP_consts, DW_OP_fbreg:
		var n int64
		n, err = cursor.SLEB128(64)
		inst.Operands[0] = uint64(n)
	case DW_OP_bregx:
		inst.Operands[0], err = cursor.ULEB128(64)
		if err != nil {
			return inst, err
		}

		var n int64
		n, err = cursor.SLEB128(64)
		inst.Operands[1] = uint64(n)
	case DW_OP_skip, DW_OP_bra:
		var n int16
		n, err = cursor.S16()
		inst.Operands[0] = uint64(n)
	default:
		return inst, fmt.Errorf(
			"%w. unsupported op code %s",
			ErrMalformedExpression,
			op)
	}

	return inst, err
}

// EvaluateExpression executes the expression on a fixed size stack.
// frameBase is only consulted by DW_OP_fbreg.
func EvaluateExpression(
	context ExpressionContext,
	expression Expression,
	frameBase uint64,
) (
	EvaluationResult,
	error,
) {
	for _, inst := range expression {
		if inst.IsRegister() {
			if len(expression) != 1 {
				return EvaluationResult{}, fmt.Errorf(
					"%w. %s must be the only operation in the expression",
					ErrMalformedExpression,
					inst.Operation)
			}

			regId := inst.Operands[0]
			if inst.Operation != DW_OP_regx {
				regId = uint64(inst.Operation - DW_OP_reg0)
			}

			return EvaluationResult{
				Value:          regId,
				IsRegister:     true,
				Classification: NeedsRegisters,
			}, nil
		}
	}

	state := &expressionState{
		context:    context,
		expression: expression,
		frameBase:  frameBase,
	}

	steps := 0
	for state.next < len(expression) {
		steps++
		if steps > maxExpressionSteps {
			return EvaluationResult{}, fmt.Errorf(
				"%w. exceeded %d evaluation steps",
				ErrMalformedExpression,
				maxExpressionSteps)
		}

		inst := expression[state.next]
		state.next++

		err := state.execute(inst)
		if err != nil {
			return EvaluationResult{}, fmt.Errorf(
				"failed to evaluate %s: %w",
				inst.Operation,
				err)
		}
	}

	if state.depth != 1 {
		return EvaluationResult{}, fmt.Errorf(
			"%w. %d values left on stack after evaluation",
			ErrMalformedExpression,
			state.depth)
	}

	return EvaluationResult{
		Value:          state.stack[0],
		Classification: state.classification,
	}, nil
}

type expressionState struct {
	context    ExpressionContext
	expression Expression
	frameBase  uint64

	next int // next instruction index

	stack [expressionStackSize]uint64
	depth int

	classification Classification
}

func (state *expressionState) raise(classification Classification) {
	if state.classification < classification {
		state.classification = classification
	}
}

func (state *expressionState) push(value uint64) error {
	if state.depth == expressionStackSize {
		return fmt.Errorf("%w. stack overflow", ErrMalformedExpression)
	}

	state.stack[state.depth] = value
	state.depth++
	return nil
}

func (state *expressionState) pop() (uint64, error) {
	if state.depth == 0 {
		return 0, fmt.Errorf("%w. cannot pop empty stack", ErrMalformedExpression)
	}

	state.depth--
	return state.stack[state.depth], nil
}

func (state *expressionState) execute(inst Instruction) error {
	op := inst.Operation

	if op.IsLiteral() {
		return state.push(uint64(op - DW_OP_lit0))
	}

	if op.IsBaseRegister() {
		return state.breg(inst)
	}

	switch op {
	case DW_OP_addr:
		return state.push(inst.Operands[0] + state.context.LoadBias())

	case DW_OP_const1u, DW_OP_const1s,
		DW_OP_const2u, DW_OP_const2s,
		DW_OP_const4u, DW_OP_const4s,
		DW_OP_const8u, DW_OP_const8s,
		DW_OP_constu, DW_OP_consts:

		return state.push(inst.Operands[0])

	case DW_OP_fbreg:
		state.raise(NeedsFrameBase)
		return state.push(state.frameBase + inst.Operands[0])

	case DW_OP_call_frame_cfa:
		cfa, err := state.context.CanonicalFrameAddress()
		if err != nil {
			return err
		}

		state.raise(NeedsRegisters)
		return state.push(cfa)

	case DW_OP_deref, DW_OP_deref_size:
		return state.deref(inst)

	case DW_OP_dup:
		return state.pick(0)
	case DW_OP_over:
		return state.pick(1)
	case DW_OP_pick:
		return state.pick(int(inst.Operands[0]))
	case DW_OP_drop:
		_, err := state.pop()
		return err
	case DW_OP_swap:
		return state.swap()
	case DW_OP_rot:
		return state.rot()

	case DW_OP_abs, DW_OP_neg, DW_OP_not:
		return state.unary(op)
	case DW_OP_plus_uconst:
		value, err := state.pop()
		if err != nil {
			return err
		}

		return state.push(value + inst.Operands[0])

	case DW_OP_and, DW_OP_div, DW_OP_minus, DW_OP_mod, DW_OP_mul, DW_OP_or,
		DW_OP_plus, DW_OP_shl, DW_OP_shr, DW_OP_shra, DW_OP_xor,
		DW_OP_eq, DW_OP_ge, DW_OP_gt, DW_OP_le, DW_OP_lt, DW_OP_ne:

		return state.binary(op)

	case DW_OP_skip:
		return state.jump(inst.Operands[0])
	case DW_OP_bra:
		predicate, err := state.pop()
		if err != nil {
			return err
		}

		if predicate != 0 {
			return state.jump(inst.Operands[0])
		}
		return nil

	case DW_OP_nop:
		return nil

	case DW_OP_stack_value:
		state.raise(LocationIsConstantNotAddress)
		return nil
	}

	return fmt.Errorf("%w. unsupported op code %s", ErrMalformedExpression, op)
}

func (state *expressionState) breg(inst Instruction) error {
	regId := RegisterId(inst.Operation - DW_OP_breg0)
	offset := inst.Operands[0]
	if inst.Operation == DW_OP_bregx {
		regId = RegisterId(inst.Operands[0])
		offset = inst.Operands[1]
	}

	value, err := state.context.RegisterValue(regId)
	if err != nil {
		return err
	}

	state.raise(NeedsRegisters)
	return state.push(value + offset)
}

func (state *expressionState) deref(inst Instruction) error {
	addr, err := state.pop()
	if err != nil {
		return err
	}

	size := state.context.AddressSize()
	if inst.Operation == DW_OP_deref_size {
		if inst.Operands[0] < 1 || int(inst.Operands[0]) > size {
			return fmt.Errorf(
				"%w. invalid deref size %d",
				ErrMalformedExpression,
				inst.Operands[0])
		}
		size = int(inst.Operands[0])
	}

	bytes := make([]byte, size)
	n, err := state.context.ReadMemory(addr, bytes)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("short memory read at 0x%x (%d != %d)", addr, n, size)
	}

	value, err := NewCursor(state.context.ByteOrder(), bytes).Address(size)
	if err != nil {
		return err
	}

	state.raise(NeedsMemoryAccess)
	return state.push(value)
}

// pick(0) duplicates the top of the stack.
func (state *expressionState) pick(idx int) error {
	pos := state.depth - 1 - idx
	if pos < 0 {
		return fmt.Errorf(
			"%w. pick index %d out of bound",
			ErrMalformedExpression,
			idx)
	}

	return state.push(state.stack[pos])
}

func (state *expressionState) swap() error {
	if state.depth < 2 {
		return fmt.Errorf("%w. cannot swap", ErrMalformedExpression)
	}

	top := state.depth - 1
	state.stack[top], state.stack[top-1] = state.stack[top-1], state.stack[top]
	return nil
}

func (state *expressionState) rot() error {
	if state.depth < 3 {
		return fmt.Errorf("%w. cannot rotate", ErrMalformedExpression)
	}

	// [... bot mid top] -> [... top bot mid]
	top := state.depth - 1
	bot, mid, val := state.stack[top-2], state.stack[top-1], state.stack[top]
	state.stack[top-2] = val
	state.stack[top-1] = bot
	state.stack[top] = mid
	return nil
}

func (state *expressionState) unary(op Operation) error {
	value, err := state.pop()
	if err != nil {
		return err
	}

	switch op {
	case DW_OP_abs:
		signed := int64(value)
		if signed < 0 {
			signed = -signed
		}
		value = uint64(signed)
	case DW_OP_neg:
		value = uint64(-int64(value))
	case DW_OP_not:
		value = ^value
	default:
		panic("should never happen")
	}

	return state.push(value)
}

func boolValue(value bool) uint64 {
	if value {
		return 1
	}
	return 0
}

func (state *expressionState) binary(op Operation) error {
	top, err := state.pop()
	if err != nil {
		return err
	}

	second, err := state.pop()
	if err != nil {
		return err
	}

	var result uint64
	switch op {
	case DW_OP_and:
		result = second & top
	case DW_OP_or:
		result = second | top
	case DW_OP_xor:
		result = second ^ top
	case DW_OP_plus:
		result = second + top
	case DW_OP_minus:
		result = second - top
	case DW_OP_mul:
		result = second * top
	case DW_OP_div:
		if top == 0 {
			return fmt.Errorf("division by zero")
		}
		result = uint64(int64(second) / int64(top))
	case DW_OP_mod:
		if top == 0 {
			return fmt.Errorf("division by zero")
		}
		result = second % top
	case DW_OP_shl:
		result = second << top
	case DW_OP_shr:
		result = second >> top
	case DW_OP_shra:
		result = uint64(int64(second) >> top)
	case DW_OP_eq:
		result = boolValue(int64(second) == int64(top))
	case DW_OP_ne:
		result = boolValue(int64(second) != int64(top))
	case DW_OP_ge:
		result = boolValue(int64(second) >= int64(top))
	case DW_OP_gt:
		result = boolValue(int64(second) > int64(top))
	case DW_OP_le:
		result = boolValue(int64(second) <= int64(top))
	case DW_OP_lt:
		result = boolValue(int64(second) < int64(top))
	default:
		panic("should never happen")
	}

	return state.push(result)
}

func (state *expressionState) jump(target uint64) error {
	if target > uint64(len(state.expression)) {
		return fmt.Errorf(
			"%w. branch target %d out of bound",
			ErrMalformedExpression,
			target)
	}

	state.next = int(target)
	return nil
}
