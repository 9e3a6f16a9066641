package decoder

import (
	"fmt"
	"sort"

	"github.com/tinyrange/dbt/internal/guest"
)

const (
	// MaxLowCqInstructions bounds the single block decoded for a quick
	// translation.
	MaxLowCqInstructions = 512
	// MaxHighCqInstructions bounds the instructions discovered for an
	// optimized translation.
	MaxHighCqInstructions = 4096
	// MaxFunctionSpan bounds how far from the entry a followed branch may go.
	MaxFunctionSpan = 64 << 10
)

// Block is a run of guest instructions that is only entered at the top.
type Block struct {
	Address uint64
	End     uint64
	Opcodes []Opcode
}

// Function is the guest code discovered from an entry point.
type Function struct {
	Address    uint64
	Mode       guest.ExecutionMode
	HighCq     bool
	Blocks     []*Block
	MinAddress uint64
	End        uint64
}

// InstructionCount returns the number of decoded instructions.
func (f *Function) InstructionCount() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Opcodes)
	}
	return n
}

// Changed reports whether any instruction of f now reads back from mem with
// a different encoding.
func (f *Function) Changed(mem guest.MemoryManager) bool {
	for _, b := range f.Blocks {
		for _, op := range b.Opcodes {
			now := Fetch(mem, op.Address, op.Mode)
			if now.RawOpCode != op.RawOpCode || now.Size != op.Size || now.Name != op.Name {
				return true
			}
		}
	}
	return false
}

// Fetch reads and decodes the instruction at address. A failed read decodes
// as an undefined instruction so the fault surfaces when the code runs.
func Fetch(mem guest.MemoryManager, address uint64, mode guest.ExecutionMode) Opcode {
	var word uint32
	switch mode {
	case guest.ModeT32:
		hw, err := guest.ReadUint16(mem, address)
		if err != nil {
			return Opcode{Name: InstUndefined, Address: address, Mode: mode, Size: 2, Cond: CondAL}
		}
		word = uint32(hw)
		if IsT32Wide(hw) {
			next, err := guest.ReadUint16(mem, address+2)
			if err != nil {
				return Opcode{Name: InstUndefined, Address: address, Mode: mode, Size: 2, Cond: CondAL}
			}
			word |= uint32(next) << 16
		}
	default:
		w, err := guest.ReadUint32(mem, address)
		if err != nil {
			return Opcode{Name: InstUndefined, Address: address, Mode: mode, Size: 4, Cond: CondAL}
		}
		word = w
	}
	return Decode(word, address, mode)
}

// DecodeFunction discovers the guest code reachable from address. A quick
// translation decodes one block. An optimized one also follows direct
// branches that stay close to the entry.
func DecodeFunction(mem guest.MemoryManager, address uint64, mode guest.ExecutionMode, highCq bool) (*Function, error) {
	if address%mode.InstructionAlignment() != 0 {
		return nil, fmt.Errorf("decoder: misaligned %s entry 0x%x", mode, address)
	}

	budget := MaxLowCqInstructions
	if highCq {
		budget = MaxHighCqInstructions
	}

	insts := make(map[uint64]Opcode)
	leaders := map[uint64]bool{address: true}
	work := []uint64{address}

	follow := func(target uint64) {
		if !highCq || target < address || target-address >= MaxFunctionSpan {
			return
		}
		if target%mode.InstructionAlignment() != 0 {
			return
		}
		leaders[target] = true
		work = append(work, target)
	}

	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]

		for len(insts) < budget {
			if _, seen := insts[pc]; seen {
				break
			}
			op := Fetch(mem, pc, mode)
			insts[pc] = op
			if !op.EndsBlock() {
				pc = op.NextAddress()
				continue
			}
			if !op.LeavesFunction() {
				if target, ok := op.BranchTarget(); ok {
					follow(target)
				}
				if op.IsConditionalBranch() {
					follow(op.NextAddress())
				}
			}
			break
		}
		if !highCq {
			break
		}
	}

	addrs := make([]uint64, 0, len(insts))
	for a := range insts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	fn := &Function{
		Address:    address,
		Mode:       mode,
		HighCq:     highCq,
		MinAddress: addrs[0],
	}

	var cur *Block
	for _, a := range addrs {
		op := insts[a]
		if cur == nil || leaders[a] || cur.End != a {
			cur = &Block{Address: a, End: a}
			fn.Blocks = append(fn.Blocks, cur)
		}
		cur.Opcodes = append(cur.Opcodes, op)
		cur.End = op.NextAddress()
		if cur.End > fn.End {
			fn.End = cur.End
		}
		if op.EndsBlock() {
			cur = nil
		}
	}

	return fn, nil
}
