package guest

import "fmt"

// ExecutionMode selects the instruction set a guest address is decoded with.
type ExecutionMode uint32

const (
	ModeA64 ExecutionMode = iota
	ModeT32
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeA64:
		return "a64"
	case ModeT32:
		return "t32"
	default:
		return fmt.Sprintf("mode(%d)", uint32(m))
	}
}

// ParseMode converts the textual form produced by String back into a mode.
func ParseMode(s string) (ExecutionMode, error) {
	switch s {
	case "a64", "A64", "aarch64", "arm64":
		return ModeA64, nil
	case "t32", "T32", "thumb":
		return ModeT32, nil
	default:
		return 0, fmt.Errorf("guest: unknown execution mode %q", s)
	}
}

// InstructionAlignment returns the minimum instruction size for the mode.
func (m ExecutionMode) InstructionAlignment() uint64 {
	if m == ModeT32 {
		return 2
	}
	return 4
}
