// NOTE: This is based on based on dwarf.h from github.com/TartanLlama/sdb

package dwarf

import (
	"fmt"
)

// See dwarf 5 tablel 7.9 for full list
type Operation uint64

const (
	DW_OP_addr                = Operation(0x03)
	DW_OP_deref               = Operation(0x06)
	DW_OP_const1u             = Operation(0x08)
	DW_OP_const1s             = Operation(0x09)
	DW_OP_const2u             = Operation(0x0a)
	DW_OP_const2s             = Operation(0x0b)
	DW_OP_const4u             = Operation(0x0c)
	DW_OP_const4s             = Operation(0x0d)
	DW_OP_const8u             = Operation(0x0e)
	DW_OP_const8s             = Operation(0x0f)
	DW_OP_constu              = Operation(0x10)
	DW_OP_consts              = Operation(0x11)
	DW_OP_dup                 = Operation(0x12)
	DW_OP_drop                = Operation(0x13)
	DW_OP_over                = Operation(0x14)
	DW_OP_pick                = Operation(0x15)
	DW_OP_swap                = Operation(0x16)
	DW_OP_rot                 = Operation(0x17)
	DW_OP_xderef              = Operation(0x18)
	DW_OP_abs                 = Operation(0x19)
	DW_OP_and                 = Operation(0x1a)
	DW_OP_div                 = Operation(0x1b)
	DW_OP_minus               = Operation(0x1c)
	DW_OP_mod                 = Operation(0x1d)
	DW_OP_mul                 = Operation(0x1e)
	DW_OP_neg                 = Operation(0x1f)
	DW_OP_not                 = Operation(0x20)
	DW_OP_or                  = Operation(0x21)
	DW_OP_plus                = Operation(0x22)
	DW_OP_plus_uconst         = Operation(0x23)
	DW_OP_shl                 = Operation(0x24)
	DW_OP_shr                 = Operation(0x25)
	DW_OP_shra                = Operation(0x26)
	DW_OP_xor                 = Operation(0x27)
	DW_OP_skip                = Operation(0x2f)
	DW_OP_bra                 = Operation(0x28)
	DW_OP_eq                  = Operation(0x29)
	DW_OP_ge                  = Operation(0x2a)
	DW_OP_gt                  = Operation(0x2b)
	DW_OP_le                  = Operation(0x2c)
	DW_OP_lt                  = Operation(0x2d)
	DW_OP_ne                  = Operation(0x2e)
	DW_OP_lit0                = Operation(0x30)
	DW_OP_lit1                = Operation(0x31)
	DW_OP_lit2                = Operation(0x32)
	DW_OP_lit3                = Operation(0x33)
	DW_OP_lit4                = Operation(0x34)
	DW_OP_lit5                = Operation(0x35)
	DW_OP_lit6                = Operation(0x36)
	DW_OP_lit7                = Operation(0x37)
	DW_OP_lit8                = Operation(0x38)
	DW_OP_lit9                = Operation(0x39)
	DW_OP_lit10               = Operation(0x3a)
	DW_OP_lit11               = Operation(0x3b)
	DW_OP_lit12               = Operation(0x3c)
	DW_OP_lit13               = Operation(0x3d)
	DW_OP_lit14               = Operation(0x3e)
	DW_OP_lit15               = Operation(0x3f)
	DW_OP_lit16               = Operation(0x40)
	DW_OP_lit17               = Operation(0x41)
	DW_OP_lit18               = Operation(0x42)
	DW_OP_lit19               = Operation(0x43)
	DW_OP_lit20               = Operation(0x44)
	DW_OP_lit21               = Operation(0x45)
	DW_OP_lit22               = Operation(0x46)
	DW_OP_lit23               = Operation(0x47)
	DW_OP_lit24               = Operation(0x48)
	DW_OP_lit25               = Operation(0x49)
	DW_OP_lit26               = Operation(0x4a)
	DW_OP_lit27               = Operation(0x4b)
	DW_OP_lit28               = Operation(0x4c)
	DW_OP_lit29               = Operation(0x4d)
	DW_OP_lit30               = Operation(0x4e)
	DW_OP_lit31               = Operation(0x4f)
	DW_OP_reg0                = Operation(0x50)
	DW_OP_reg1                = Operation(0x51)
	DW_OP_reg2                = Operation(0x52)
	DW_OP_reg3                = Operation(0x53)
	DW_OP_reg4                = Operation(0x54)
	DW_OP_reg5                = Operation(0x55)
	DW_OP_reg6                = Operation(0x56)
	DW_OP_reg7                = Operation(0x57)
	DW_OP_reg8                = Operation(0x58)
	DW_OP_reg9                = Operation(0x59)
	DW_OP_reg10               = Operation(0x5a)
	DW_OP_reg11               = Operation(0x5b)
	DW_OP_reg12               = Operation(0x5c)
	DW_OP_reg13               = Operation(0x5d)
	DW_OP_reg14               = Operation(0x5e)
	DW_OP_reg15               = Operation(0x5f)
	DW_OP_reg16               = Operation(0x60)
	DW_OP_reg17               = Operation(0x61)
	DW_OP_reg18               = Operation(0x62)
	DW_OP_reg19               = Operation(0x63)
	DW_OP_reg20               = Operation(0x64)
	DW_OP_reg21               = Operation(0x65)
	DW_OP_reg22               = Operation(0x66)
	DW_OP_reg23               = Operation(0x67)
	DW_OP_reg24               = Operation(0x68)
	DW_OP_reg25               = Operation(0x69)
	DW_OP_reg26               = Operation(0x6a)
	DW_OP_reg27               = Operation(0x6b)
	DW_OP_reg28               = Operation(0x6c)
	DW_OP_reg29               = Operation(0x6d)
	DW_OP_reg30               = Operation(0x6e)
	DW_OP_reg31               = Operation(0x6f)
	DW_OP_breg0               = Operation(0x70)
	DW_OP_breg1               = Operation(0x71)
	DW_OP_breg2               = Operation(0x72)
	DW_OP_breg3               = Operation(0x73)
	DW_OP_breg4               = Operation(0x74)
	DW_OP_breg5               = Operation(0x75)
	DW_OP_breg6               = Operation(0x76)
	DW_OP_breg7               = Operation(0x77)
	DW_OP_breg8               = Operation(0x78)
	DW_OP_breg9               = Operation(0x79)
	DW_OP_breg10              = Operation(0x7a)
	DW_OP_breg11              = Operation(0x7b)
	DW_OP_breg12              = Operation(0x7c)
	DW_OP_breg13              = Operation(0x7d)
	DW_OP_breg14              = Operation(0x7e)
	DW_OP_breg15              = Operation(0x7f)
	DW_OP_breg16              = Operation(0x80)
	DW_OP_breg17              = Operation(0x81)
	DW_OP_breg18              = Operation(0x82)
	DW_OP_breg19              = Operation(0x83)
	DW_OP_breg20              = Operation(0x84)
	DW_OP_breg21              = Operation(0x85)
	DW_OP_breg22              = Operation(0x86)
	DW_OP_breg23              = Operation(0x87)
	DW_OP_breg24              = Operation(0x88)
	DW_OP_breg25              = Operation(0x89)
	DW_OP_breg26              = Operation(0x8a)
	DW_OP_breg27              = Operation(0x8b)
	DW_OP_breg28              = Operation(0x8c)
	DW_OP_breg29              = Operation(0x8d)
	DW_OP_breg30              = Operation(0x8e)
	DW_OP_breg31              = Operation(0x8f)
	DW_OP_regx                = Operation(0x90)
	DW_OP_fbreg               = Operation(0x91)
	DW_OP_bregx               = Operation(0x92)
	DW_OP_piece               = Operation(0x93)
	DW_OP_deref_size          = Operation(0x94)
	DW_OP_xderef_size         = Operation(0x95)
	DW_OP_nop                 = Operation(0x96)
	DW_OP_push_object_address = Operation(0x97)
	DW_OP_call2               = Operation(0x98)
	DW_OP_call4               = Operation(0x99)
	DW_OP_call_ref            = Operation(0x9a)
	DW_OP_form_tls_address    = Operation(0x9b)
	DW_OP_call_frame_cfa      = Operation(0x9c)
	DW_OP_bit_piece           = Operation(0x9d)
	DW_OP_implicit_value      = Operation(0x9e)
	DW_OP_stack_value         = Operation(0x9f)
	DW_OP_lo_user             = Operation(0xe0)
	DW_OP_hi_user             = Operation(0xff)
)

var operationNames = map[Operation]string{
	DW_OP_addr:                "DW_OP_addr",
	DW_OP_deref:               "DW_OP_deref",
	DW_OP_const1u:             "DW_OP_const1u",
	DW_OP_const1s:             "DW_OP_const1s",
	DW_OP_const2u:             "DW_OP_const2u",
	DW_OP_const2s:             "DW_OP_const2s",
	DW_OP_const4u:             "DW_OP_const4u",
	DW_OP_const4s:             "DW_OP_const4s",
	DW_OP_const8u:             "DW_OP_const8u",
	DW_OP_const8s:             "DW_OP_const8s",
	DW_OP_constu:              "DW_OP_constu",
	DW_OP_consts:              "DW_OP_consts",
	DW_OP_dup:                 "DW_OP_dup",
	DW_OP_drop:                "DW_OP_drop",
	DW_OP_over:                "DW_OP_over",
	DW_OP_pick:                "DW_OP_pick",
	DW_OP_swap:                "DW_OP_swap",
	DW_OP_rot:                 "DW_OP_rot",
	DW_OP_xderef:              "DW_OP_xderef",
	DW_OP_abs:                 "DW_OP_abs",
	DW_OP_and:                 "DW_OP_and",
	DW_OP_div:                 "DW_OP_div",
	DW_OP_minus:               "DW_OP_minus",
	DW_OP_mod:                 "DW_OP_mod",
	DW_OP_mul:                 "DW_OP_mul",
	DW_OP_neg:                 "DW_OP_neg",
	DW_OP_not:                 "DW_OP_not",
	DW_OP_or:                  "DW_OP_or",
	DW_OP_plus:                "DW_OP_plus",
	DW_OP_plus_uconst:         "DW_OP_plus_uconst",
	DW_OP_shl:                 "DW_OP_shl",
	DW_OP_shr:                 "DW_OP_shr",
	DW_OP_shra:                "DW_OP_shra",
	DW_OP_xor:                 "DW_OP_xor",
	DW_OP_skip:                "DW_OP_skip",
	DW_OP_bra:                 "DW_OP_bra",
	DW_OP_eq:                  "DW_OP_eq",
	DW_OP_ge:                  "DW_OP_ge",
	DW_OP_gt:                  "DW_OP_gt",
	DW_OP_le:                  "DW_OP_le",
	DW_OP_lt:                  "DW_OP_lt",
	DW_OP_ne:                  "DW_OP_ne",
	DW_OP_regx:                "DW_OP_regx",
	DW_OP_fbreg:               "DW_OP_fbreg",
	DW_OP_bregx:               "DW_OP_bregx",
	DW_OP_piece:               "DW_OP_piece",
	DW_OP_deref_size:          "DW_OP_deref_size",
	DW_OP_xderef_size:         "DW_OP_xderef_size",
	DW_OP_nop:                 "DW_OP_nop",
	DW_OP_push_object_address: "DW_OP_push_object_address",
	DW_OP_call2:               "DW_OP_call2",
	DW_OP_call4:               "DW_OP_call4",
	DW_OP_call_ref:            "DW_OP_call_ref",
	DW_OP_form_tls_address:    "DW_OP_form_tls_address",
	DW_OP_call_frame_cfa:      "DW_OP_call_frame_cfa",
	DW_OP_bit_piece:           "DW_OP_bit_piece",
	DW_OP_implicit_value:      "DW_OP_implicit_value",
	DW_OP_stack_value:         "DW_OP_stack_value",
	DW_OP_lo_user:             "DW_OP_lo_user",
	DW_OP_hi_user:             "DW_OP_hi_user",
}

func (operation Operation) String() string {
	switch {
	case DW_OP_lit0 <= operation && operation <= DW_OP_lit31:
		return fmt.Sprintf("DW_OP_lit%d", operation-DW_OP_lit0)
	case DW_OP_reg0 <= operation && operation <= DW_OP_reg31:
		return fmt.Sprintf("DW_OP_reg%d", operation-DW_OP_reg0)
	case DW_OP_breg0 <= operation && operation <= DW_OP_breg31:
		return fmt.Sprintf("DW_OP_breg%d", operation-DW_OP_breg0)
	}

	name, ok := operationNames[operation]
	if !ok {
		return fmt.Sprintf("DW_OP_unknown_%d", operation)
	}
	return name
}

func (operation Operation) IsLiteral() bool {
	return DW_OP_lit0 <= operation && operation <= DW_OP_lit31
}

func (operation Operation) IsRegister() bool {
	return DW_OP_reg0 <= operation && operation <= DW_OP_reg31 ||
		operation == DW_OP_regx
}

func (operation Operation) IsBaseRegister() bool {
	return DW_OP_breg0 <= operation && operation <= DW_OP_breg31 ||
		operation == DW_OP_bregx
}
