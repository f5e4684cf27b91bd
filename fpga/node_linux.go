package fpga

import (
	"fmt"
	"os"
	"syscall"

	"github.com/c35s/fpgalink/region"
	"github.com/c35s/fpgalink/wire"
	"golang.org/x/sys/unix"
)

// DefaultNode is the device node registered by the kernel driver.
const DefaultNode = "/dev/fpga0"

// kCtrl is FPGALINK_CTRL, _IOW('F', 1, int). The opcode is the ioctl argument.
const kCtrl = 0x40044601

// Node is the Platform of a real device, reached through the kernel driver's
// character device.
type Node struct {
	f *os.File
}

// OpenNode opens the device node at path.
func OpenNode(path string) (*Node, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, err
	}

	return &Node{f: f}, nil
}

// Map maps the selected region. The driver exposes region s at page offset s and
// applies each region's caching policy itself. It programs the buffers' bus
// addresses on reset, so the regions carry none.
func (n *Node) Map(sel region.Selector, length int, prot region.Prot) (*region.Region, error) {
	return region.Map(int(n.f.Fd()), int64(sel)*wire.PageSize, length, region.Options{
		Prot:  prot,
		Cache: sel.Cache(),
	})
}

// Control issues op to the driver.
func (n *Node) Control(op Op) error {
	_, _, errno := unix.Syscall(syscall.SYS_IOCTL, n.f.Fd(), kCtrl, uintptr(op))
	if errno != 0 {
		return fmt.Errorf("ioctl %v: %w", op, errno)
	}

	return nil
}

// Close closes the device node. Regions mapped from it stay valid until they are
// closed themselves.
func (n *Node) Close() error {
	return n.f.Close()
}
