package emitter

import (
	"errors"
	"fmt"

	"github.com/tinyrange/dbt/internal/decoder"
	"github.com/tinyrange/dbt/internal/ir"
)

var ErrNoHandler = errors.New("emitter: no handler for instruction")

type handler func(c *Context, op *decoder.Opcode)

var handlers = map[decoder.InstName]handler{
	decoder.InstUndefined: emitUndefined,

	decoder.InstAddImm:  emitA64AddSubImm,
	decoder.InstAddsImm: emitA64AddSubImm,
	decoder.InstSubImm:  emitA64AddSubImm,
	decoder.InstSubsImm: emitA64AddSubImm,
	decoder.InstAndImm:  emitA64LogicalImm,
	decoder.InstOrrImm:  emitA64LogicalImm,
	decoder.InstEorImm:  emitA64LogicalImm,
	decoder.InstAndsImm: emitA64LogicalImm,
	decoder.InstMovz:    emitA64MoveWide,
	decoder.InstMovn:    emitA64MoveWide,
	decoder.InstMovk:    emitA64MoveWide,
	decoder.InstAdr:     emitA64PCRel,
	decoder.InstAdrp:    emitA64PCRel,

	decoder.InstAddReg:  emitA64AddSubReg,
	decoder.InstAddsReg: emitA64AddSubReg,
	decoder.InstSubReg:  emitA64AddSubReg,
	decoder.InstSubsReg: emitA64AddSubReg,
	decoder.InstAndReg:  emitA64LogicalReg,
	decoder.InstOrrReg:  emitA64LogicalReg,
	decoder.InstEorReg:  emitA64LogicalReg,
	decoder.InstAndsReg: emitA64LogicalReg,
	decoder.InstCsel:    emitA64CondSelect,
	decoder.InstCsinc:   emitA64CondSelect,
	decoder.InstCsinv:   emitA64CondSelect,
	decoder.InstCsneg:   emitA64CondSelect,
	decoder.InstMadd:    emitA64MultiplyAdd,
	decoder.InstMsub:    emitA64MultiplyAdd,
	decoder.InstUdiv:    emitA64DataProc2,
	decoder.InstSdiv:    emitA64DataProc2,
	decoder.InstLslv:    emitA64DataProc2,
	decoder.InstLsrv:    emitA64DataProc2,
	decoder.InstAsrv:    emitA64DataProc2,
	decoder.InstRorv:    emitA64DataProc2,
	decoder.InstClz:     emitA64DataProc1,
	decoder.InstRbit:    emitA64DataProc1,
	decoder.InstRev:     emitA64DataProc1,

	decoder.InstB:     emitA64Branch,
	decoder.InstBl:    emitA64Branch,
	decoder.InstBCond: emitA64BranchCond,
	decoder.InstCbz:   emitA64CompareBranch,
	decoder.InstCbnz:  emitA64CompareBranch,
	decoder.InstBr:    emitA64BranchReg,
	decoder.InstBlr:   emitA64BranchReg,
	decoder.InstRet:   emitA64BranchReg,
	decoder.InstSvc:   emitA64Exception,
	decoder.InstBrk:   emitA64Exception,
	decoder.InstNop:   emitNop,

	decoder.InstLdr: emitA64LoadStore,
	decoder.InstStr: emitA64LoadStore,

	decoder.InstVAdd: emitA64Vector,
	decoder.InstVSub: emitA64Vector,
	decoder.InstVAnd: emitA64Vector,
	decoder.InstVBic: emitA64Vector,
	decoder.InstVOrr: emitA64Vector,
	decoder.InstVEor: emitA64Vector,

	decoder.InstT32MovsImm: emitT32MoveImm,
	decoder.InstT32CmpImm:  emitT32CompareImm,
	decoder.InstT32AddsImm: emitT32AddSub,
	decoder.InstT32SubsImm: emitT32AddSub,
	decoder.InstT32AddsReg: emitT32AddSub,
	decoder.InstT32SubsReg: emitT32AddSub,
	decoder.InstT32LslImm:  emitT32ShiftImm,
	decoder.InstT32LsrImm:  emitT32ShiftImm,
	decoder.InstT32AsrImm:  emitT32ShiftImm,
	decoder.InstT32And:     emitT32DataProc,
	decoder.InstT32Eor:     emitT32DataProc,
	decoder.InstT32Orr:     emitT32DataProc,
	decoder.InstT32Bic:     emitT32DataProc,
	decoder.InstT32Mvn:     emitT32DataProc,
	decoder.InstT32Tst:     emitT32DataProc,
	decoder.InstT32CmpReg:  emitT32DataProc,
	decoder.InstT32Cmn:     emitT32DataProc,
	decoder.InstT32Mul:     emitT32DataProc,
	decoder.InstT32Rsb:     emitT32DataProc,
	decoder.InstT32AddHigh: emitT32High,
	decoder.InstT32CmpHigh: emitT32High,
	decoder.InstT32MovHigh: emitT32High,
	decoder.InstT32Bx:      emitT32BranchExchange,
	decoder.InstT32Blx:     emitT32BranchExchange,
	decoder.InstT32Ldr:     emitT32LoadStore,
	decoder.InstT32Str:     emitT32LoadStore,
	decoder.InstT32BCond:   emitT32BranchCond,
	decoder.InstT32B:       emitT32Branch,
	decoder.InstT32It:      emitT32IfThen,
	decoder.InstT32Nop:     emitNop,
	decoder.InstT32Svc:     emitT32Exception,
	decoder.InstT32Bkpt:    emitT32Exception,
	decoder.InstT32Udf:     emitT32Exception,
	decoder.InstT32Bl:      emitT32BranchLink,
}

// Translate lowers a decoded guest function into IR.
func Translate(fn *decoder.Function) (*ir.Function, error) {
	c := NewContext(fn.Mode)

	var prevEnd uint64
	for i, block := range fn.Blocks {
		if i == 0 || block.Address != prevEnd {
			c.ResetIfThenBlockState()
		}
		c.MarkLabel(block.Address)

		for j := range block.Opcodes {
			op := &block.Opcodes[j]
			if j > 0 && c.HasLabel(op.Address) {
				c.MarkLabel(op.Address)
			}
			if err := c.EmitInstruction(op); err != nil {
				return nil, err
			}
		}

		if n := len(block.Opcodes); c.IsOpen() && (n == 0 || !block.Opcodes[n-1].EndsBlock()) {
			c.Branch(c.GetLabel(block.End))
		}
		prevEnd = block.End
	}

	return c.Finish(), nil
}

// EmitInstruction lowers one instruction at the current position. Inside an
// IT block the instruction is skipped when its condition does not hold.
func (c *Context) EmitInstruction(op *decoder.Opcode) error {
	h, ok := handlers[op.Name]
	if !ok {
		return fmt.Errorf("%w: %s at %#x", ErrNoHandler, op.Name, op.Address)
	}
	c.SetOpcode(op)

	if op.Name == decoder.InstT32It || !c.IsInIfThenBlock() {
		h(c, op)
		c.checkCodeWrites()
		return nil
	}

	cond := c.CurrentIfThenBlockCond()
	c.AdvanceIfThenBlockState()
	if cond != decoder.CondAL {
		c.BranchIfCondition(cond.Invert(), c.GetLabel(op.NextAddress()))
	}
	c.inIfThen = true
	h(c, op)
	c.checkCodeWrites()
	c.inIfThen = false
	return nil
}
