package fpga

import "fmt"

// Op is a device control opcode. Every op goes through the platform's single control
// entry point and has taken effect when it returns.
type Op int

const (
	OpReset       Op = 23 // zero all indices and metrics, reprogram base addresses
	OpEnableRecv  Op = 24 // let the device DMA into the F2C buffer
	OpDisableRecv Op = 25 // stop F2C DMA
)

func (op Op) String() string {
	switch op {
	case OpReset:
		return "reset"

	case OpEnableRecv:
		return "enable-recv"

	case OpDisableRecv:
		return "disable-recv"

	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}
