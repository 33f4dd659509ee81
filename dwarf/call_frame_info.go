package dwarf

import (
	"fmt"
	"maps"
	"math"
)

type RegisterId int

const (
	// primary op codes (upper 2 bits)
	DW_CFA_advance_loc = 0x40
	DW_CFA_offset      = 0x80
	DW_CFA_restore     = 0xc0

	DW_CFA_nop                = 0x00
	DW_CFA_set_loc            = 0x01
	DW_CFA_advance_loc1       = 0x02
	DW_CFA_advance_loc2       = 0x03
	DW_CFA_advance_loc4       = 0x04
	DW_CFA_offset_extended    = 0x05
	DW_CFA_restore_extended   = 0x06
	DW_CFA_undefined          = 0x07
	DW_CFA_same_value         = 0x08
	DW_CFA_register           = 0x09
	DW_CFA_remember_state     = 0x0a
	DW_CFA_restore_state      = 0x0b
	DW_CFA_def_cfa            = 0x0c
	DW_CFA_def_cfa_register   = 0x0d
	DW_CFA_def_cfa_offset     = 0x0e
	DW_CFA_def_cfa_expression = 0x0f
	DW_CFA_expression         = 0x10
	DW_CFA_offset_extended_sf = 0x11
	DW_CFA_def_cfa_sf         = 0x12
	DW_CFA_def_cfa_offset_sf  = 0x13
	DW_CFA_val_offset         = 0x14
	DW_CFA_val_offset_sf      = 0x15
	DW_CFA_val_expression     = 0x16
	DW_CFA_GNU_args_size      = 0x2e
	DW_CFA_lo_user            = 0x1c
	DW_CFA_hi_user            = 0x3f
)

type RegisterRuleKind string

const (
	// Unable to restore previous register
	UndefinedRule = RegisterRuleKind("undefined")

	// The previous register's value is currently in a different current register.
	InRegisterRule = RegisterRuleKind("register")

	// The previous register's value is the same as the current register.
	SameValueRule = RegisterRuleKind("same value")

	// The previous register's value is saved in memory at CFA + offset
	OffsetRule = RegisterRuleKind("offset")

	// The previous register's value is CFA + offset
	ValueOffsetRule = RegisterRuleKind("value offset")

	// The previous register's value is saved in memory at address computed by
	// executing the dwarf expression.
	ExpressionRule = RegisterRuleKind("expression")

	// The previous register's value is the value computed by executing the
	// dwarf expression.
	ValueExpressionRule = RegisterRuleKind("value expression")

	// CFA = current RegisterId's value + offset
	CFARegisterOffsetRule = RegisterRuleKind("cfa register offset")

	// CFA = value computed by executing the dwarf expression
	CFAExpressionRule = RegisterRuleKind("cfa expression")
)

type RegisterRule struct {
	Kind RegisterRuleKind

	RegisterId // used by InRegisterRule and CFARegisterOffsetRule

	Offset int64 // used by OffsetRule, ValueOffsetRule, and CFARegisterOffsetRule

	// Raw expression bytes.  Used by ExpressionRule, ValueExpressionRule and
	// CFAExpressionRule.
	Expression []byte
}

func (rule RegisterRule) String() string {
	switch rule.Kind {
	case InRegisterRule:
		return fmt.Sprintf("%s(%d)", rule.Kind, rule.RegisterId)
	case OffsetRule, ValueOffsetRule:
		return fmt.Sprintf("%s(%d)", rule.Kind, rule.Offset)
	case CFARegisterOffsetRule:
		return fmt.Sprintf("%s(%d%+d)", rule.Kind, rule.RegisterId, rule.Offset)
	default:
		return string(rule.Kind)
	}
}

// UnwindRules is a single row of the call frame information table.
// Registers without an explicit rule are absent from the Registers map.
type UnwindRules struct {
	ReturnAddressRegister RegisterId

	CanonicalFrameAddress RegisterRule
	Registers             map[RegisterId]RegisterRule
}

func (rules *UnwindRules) Copy() *UnwindRules {
	return &UnwindRules{
		ReturnAddressRegister: rules.ReturnAddressRegister,
		CanonicalFrameAddress: rules.CanonicalFrameAddress,
		Registers:             maps.Clone(rules.Registers),
	}
}

func (rules *UnwindRules) GetRegisterRule(
	id RegisterId,
) (
	RegisterRule,
	bool,
) {
	rule, ok := rules.Registers[id]
	return rule, ok
}

type cfaAction string

const (
	advanceAction     = cfaAction("advance")      // offset is a byte delta
	setLocAction      = cfaAction("set location") // offset is an address
	defCFAAction      = cfaAction("def cfa")
	defCFARegAction   = cfaAction("def cfa register")
	defCFAOffAction   = cfaAction("def cfa offset")
	setRuleAction     = cfaAction("set rule")
	restoreAction     = cfaAction("restore")
	rememberAction    = cfaAction("remember state")
	restoreStateActon = cfaAction("restore state")
	ignoreAction      = cfaAction("ignore")
)

// cfaInstruction is a decoded call frame instruction with alignment factors
// already applied.
type cfaInstruction struct {
	action cfaAction

	RegisterId
	offset int64

	// setRuleAction's register rule, or defCFAAction's cfa rule.
	rule RegisterRule
}

func decodeCFAInstruction(
	decode *framePointerDecoder,
	cie *CommonInfoEntry,
) (
	cfaInstruction,
	error,
) {
	opCode, err := decode.U8()
	if err != nil {
		return cfaInstruction{}, fmt.Errorf("failed to decode op code: %w", err)
	}

	registerId := func() (RegisterId, error) {
		id, err := decode.ULEB128(64)
		if err != nil {
			return 0, fmt.Errorf("failed to decode register id: %w", err)
		}
		return RegisterId(id), nil
	}

	factored := func(signed bool) (int64, error) {
		var value int64
		if signed {
			value, err = decode.SLEB128(64)
		} else {
			var unsigned uint64
			unsigned, err = decode.ULEB128(64)
			value = int64(unsigned)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to decode offset: %w", err)
		}
		return value * cie.DataAlignmentFactor, nil
	}

	advance := func(delta uint64) cfaInstruction {
		return cfaInstruction{
			action: advanceAction,
			offset: int64(delta * cie.CodeAlignmentFactor),
		}
	}

	switch opCode & 0xc0 {
	case DW_CFA_advance_loc:
		return advance(uint64(opCode & 0x3f)), nil
	case DW_CFA_offset:
		offset, err := factored(false)
		return cfaInstruction{
			action:     setRuleAction,
			RegisterId: RegisterId(opCode & 0x3f),
			rule:       RegisterRule{Kind: OffsetRule, Offset: offset},
		}, err
	case DW_CFA_restore:
		return cfaInstruction{
			action:     restoreAction,
			RegisterId: RegisterId(opCode & 0x3f),
		}, nil
	}

	inst := cfaInstruction{}
	switch opCode {
	case DW_CFA_nop:
		inst.action = ignoreAction
	case DW_CFA_GNU_args_size: // only relevant to exception handling
		inst.action = ignoreAction
		_, err = decode.ULEB128(64)
	case DW_CFA_set_loc:
		inst.action = setLocAction
		var address uint64
		address, err = decode.framePointer(cie.PointerEncoding)
		inst.offset = int64(address)
	case DW_CFA_advance_loc1, DW_CFA_advance_loc2, DW_CFA_advance_loc4:
		var delta uint64
		delta, err = decode.Unsigned(1 << (opCode - DW_CFA_advance_loc1))
		inst = advance(delta)
	case DW_CFA_def_cfa, DW_CFA_def_cfa_sf:
		inst.action = defCFAAction
		inst.RegisterId, err = registerId()
		if err != nil {
			break
		}

		if opCode == DW_CFA_def_cfa_sf {
			inst.offset, err = factored(true)
		} else {
			var offset uint64
			offset, err = decode.ULEB128(64)
			inst.offset = int64(offset)
		}

		inst.rule = RegisterRule{
			Kind:       CFARegisterOffsetRule,
			RegisterId: inst.RegisterId,
			Offset:     inst.offset,
		}
	case DW_CFA_def_cfa_register:
		inst.action = defCFARegAction
		inst.RegisterId, err = registerId()
	case DW_CFA_def_cfa_offset:
		inst.action = defCFAOffAction
		var offset uint64
		offset, err = decode.ULEB128(64)
		inst.offset = int64(offset)
	case DW_CFA_def_cfa_offset_sf:
		inst.action = defCFAOffAction
		inst.offset, err = factored(true)
	case DW_CFA_def_cfa_expression:
		inst.action = defCFAAction
		inst.rule.Kind = CFAExpressionRule
		inst.rule.Expression, err = decode.block()
	case DW_CFA_undefined, DW_CFA_same_value:
		inst.action = setRuleAction
		inst.RegisterId, err = registerId()
		inst.rule.Kind = UndefinedRule
		if opCode == DW_CFA_same_value {
			inst.rule.Kind = SameValueRule
		}
	case DW_CFA_offset_extended,
		DW_CFA_offset_extended_sf,
		DW_CFA_val_offset,
		DW_CFA_val_offset_sf:

		inst.action = setRuleAction
		inst.RegisterId, err = registerId()
		if err != nil {
			break
		}

		inst.rule.Kind = OffsetRule
		if opCode == DW_CFA_val_offset || opCode == DW_CFA_val_offset_sf {
			inst.rule.Kind = ValueOffsetRule
		}
		inst.rule.Offset, err = factored(
			opCode == DW_CFA_offset_extended_sf || opCode == DW_CFA_val_offset_sf)
	case DW_CFA_register:
		inst.action = setRuleAction
		inst.RegisterId, err = registerId()
		if err != nil {
			break
		}

		inst.rule.Kind = InRegisterRule
		inst.rule.RegisterId, err = registerId()
	case DW_CFA_expression, DW_CFA_val_expression:
		inst.action = setRuleAction
		inst.RegisterId, err = registerId()
		if err != nil {
			break
		}

		inst.rule.Kind = ExpressionRule
		if opCode == DW_CFA_val_expression {
			inst.rule.Kind = ValueExpressionRule
		}
		inst.rule.Expression, err = decode.block()
	case DW_CFA_restore_extended:
		inst.action = restoreAction
		inst.RegisterId, err = registerId()
	case DW_CFA_remember_state:
		inst.action = rememberAction
	case DW_CFA_restore_state:
		inst.action = restoreStateActon
	default:
		return inst, fmt.Errorf("unknown op code %#x", opCode)
	}

	return inst, err
}

// cfiState is the row being built.  stack always holds at least the current
// row; remembered rows sit below it.
type cfiState struct {
	cie *CommonInfoEntry

	location uint64

	initial *UnwindRules // rules after executing the cie instructions
	stack   []*UnwindRules
}

func (state *cfiState) top() *UnwindRules {
	return state.stack[len(state.stack)-1]
}

func (state *cfiState) execute(inst cfaInstruction) error {
	top := state.top()
	cfa := &top.CanonicalFrameAddress

	switch inst.action {
	case ignoreAction:
	case advanceAction:
		state.location += uint64(inst.offset)
	case setLocAction:
		state.location = uint64(inst.offset)
	case defCFAAction:
		*cfa = inst.rule
	case defCFARegAction:
		*cfa = RegisterRule{
			Kind:       CFARegisterOffsetRule,
			RegisterId: inst.RegisterId,
			Offset:     cfa.Offset,
		}
	case defCFAOffAction:
		if cfa.Kind != CFARegisterOffsetRule {
			return fmt.Errorf("cannot set cfa offset on %s rule", cfa.Kind)
		}

		cfa.Offset = inst.offset
	case setRuleAction:
		top.Registers[inst.RegisterId] = inst.rule
	case restoreAction:
		if state.initial == nil {
			return fmt.Errorf("cie rules not available")
		}

		rule, ok := state.initial.Registers[inst.RegisterId]
		if ok {
			top.Registers[inst.RegisterId] = rule
		} else {
			delete(top.Registers, inst.RegisterId)
		}
	case rememberAction:
		state.stack = append(state.stack, top.Copy())
	case restoreStateActon:
		if len(state.stack) < 2 {
			return fmt.Errorf("restore state without matching remember state")
		}

		// The remembered row replaces the current row.
		state.stack = state.stack[:len(state.stack)-1]
	default:
		panic("should never happen")
	}

	return nil
}

func (state *cfiState) run(
	decode *framePointerDecoder,
	pc uint64,
) error {
	for !decode.HasReachedEnd() && state.location <= pc {
		inst, err := decodeCFAInstruction(decode, state.cie)
		if err != nil {
			return err
		}

		err = state.execute(inst)
		if err != nil {
			return err
		}
	}

	return nil
}

func computeUnwindRules(
	fde *FrameDescriptionEntry,
	pc uint64,
) (
	*UnwindRules,
	error,
) {
	state := &cfiState{
		cie: fde.CommonInfoEntry,
		stack: []*UnwindRules{
			{
				ReturnAddressRegister: fde.ReturnAddressRegister,
				Registers:             map[RegisterId]RegisterRule{},
			},
		},
	}

	// cie instructions are not location bound.
	err := state.run(
		newInstructionDecoder(
			fde,
			fde.CommonInfoEntry.InstructionsStart,
			fde.CommonInfoEntry.Instructions),
		math.MaxUint64)
	if err != nil {
		return nil, fmt.Errorf("failed to execute cie instruction: %w", err)
	}

	state.initial = state.top().Copy()
	state.location = fde.Low

	err = state.run(
		newInstructionDecoder(fde, fde.InstructionsStart, fde.Instructions),
		pc)
	if err != nil {
		return nil, fmt.Errorf("failed to execute fde instruction: %w", err)
	}

	return state.top(), nil
}
