package vmlayout

import (
	"sort"

	"firefly/defs"
	"firefly/vmm"
)

// Walk walks mgr's active PML4 once and coalesces entries into maximal
// Mapping records: same page size, same frame size, contiguous virtual and
// physical ranges, identical flags (spec §4.3).
func Walk(mgr *vmm.Manager) []Mapping {
	type leaf struct {
		virt  defs.VirtAddr
		frame defs.PhysFrame
		flags vmm.Flags
	}
	var leaves []leaf
	mgr.WalkLeaves(func(v defs.VirtAddr, f defs.PhysFrame, fl vmm.Flags) {
		leaves = append(leaves, leaf{virt: v, frame: f, flags: fl})
	})
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].virt < leaves[j].virt })

	var out []Mapping
	for _, l := range leaves {
		sz := l.frame.Size.Bytes()
		if len(out) > 0 {
			last := &out[len(out)-1]
			contiguousVirt := uint64(last.VirtEnd)+1 == uint64(l.virt)
			contiguousPhys := uint64(last.PhysStart)+(uint64(last.VirtEnd)-uint64(last.VirtStart)+1) == uint64(l.frame.Start)
			if last.Size == l.frame.Size && last.Flags == l.flags && contiguousVirt && contiguousPhys {
				last.VirtEnd = l.virt + defs.VirtAddr(sz) - 1
				continue
			}
		}
		out = append(out, Mapping{
			VirtStart: l.virt,
			VirtEnd:   l.virt + defs.VirtAddr(sz) - 1,
			PhysStart: l.frame.Start,
			Size:      l.frame.Size,
			Flags:     l.flags,
		})
	}
	return out
}
