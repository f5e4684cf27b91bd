//go:build linux

// fpgalink-layout prints the memory and register layout shared with the FPGA.
package main

import (
	"fmt"

	"github.com/c35s/fpgalink/region"
	"github.com/c35s/fpgalink/regs"
	"github.com/c35s/fpgalink/wire"
)

func main() {
	geo := wire.DefaultGeometry

	fmt.Printf("geometry: %v\n", geo)

	fmt.Println("\n# regions")
	regions := []struct {
		sel  region.Selector
		size int
		prot region.Prot
	}{
		{region.Registers, wire.PageSize, region.ReadWrite},
		{region.Metrics, wire.PageSize, region.ReadOnly},
		{region.C2F, geo.C2FSize(), region.WriteOnly},
		{region.F2C, geo.F2CSize(), region.ReadOnly},
	}

	for _, r := range regions {
		fmt.Printf("%-10v offset %#06x size %#06x %v %v\n", r.sel, int(r.sel)*wire.PageSize, r.size, r.prot, r.sel.Cache())
	}

	fmt.Println("\n# metrics")
	fmt.Printf("F2CWrPtr   offset %d\n", wire.MetricsF2CWrPtr)
	fmt.Printf("C2FRdPtr   offset %d\n", wire.MetricsC2FRdPtr)

	fmt.Println("\n# registers")
	fmt.Printf("application registers 0..%d, register i at offset (2i+1)*4\n", uint16(regs.CtlBase-1))
	for i := regs.CtlBase; i < regs.Count; i++ {
		fmt.Printf("%-10v index %d offset %#x\n", i, uint16(i), regs.Offset(i))
	}
}
