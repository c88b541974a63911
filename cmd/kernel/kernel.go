// Package main assembles the kernel components into a running instance.
// It holds no boot-sequence logic of its own (the handoff from the
// bootloader's stage into Go code is an external collaborator, per
// spec.md §1); Boot only wires together the managers that already exist
// once that handoff has happened and BootInfo has been populated.
//
// Grounded on the order of Biscuit's mem/mem.go: Phys_init and the
// flow narrative of spec.md §2: frame allocator, then page tables,
// then the one-time kernel remap, then the scheduler, then thread and
// process lifecycle, then whatever devices the bootloader already
// found and handed off transports for.
package main

import (
	"fmt"

	"firefly/blockdev"
	"firefly/defs"
	"firefly/netdev"
	"firefly/pmm"
	"firefly/proc"
	"firefly/scsi"
	"firefly/sched"
	"firefly/thread"
	"firefly/virtio"
	"firefly/vmlayout"
	"firefly/vmm"
)

// BootInfo carries everything the bootloader's stage handoff is
// responsible for producing. Every field here is something this
// package cannot compute for itself; it is supplied by the external
// collaborator spec.md §1 excludes from this repository.
type BootInfo struct {
	// MemoryMap is the firmware/bootloader memory map, already
	// translated into pmm.MemoryRegion entries.
	MemoryMap []pmm.MemoryRegion

	// PhysMemOffset is the virtual offset of the direct physical
	// memory map the bootloader already established.
	PhysMemOffset uint64

	// RootPageTable is the physical frame of the PML4 the bootloader
	// left active.
	RootPageTable defs.PhysFrame

	// IsCode classifies addresses inside the kernel binary region as
	// executable or not, for vmlayout.PlanRemap. A nil value treats
	// the whole kernel binary region as code.
	IsCode func(defs.VirtAddr) bool

	// GlobalFlush performs whatever the platform's "flush every TLB
	// on every core" operation is. A nil value means no flush runs,
	// which is only safe on a single-CPU boot.
	GlobalFlush func()

	// VirtioTransports lists the VirtIO devices the bootloader (or an
	// earlier probe stage) already located, in the order they should
	// be negotiated. Devices are matched to a driver family with
	// DeviceKind; PCI/MMIO discovery itself stays out of scope.
	VirtioTransports []VirtioTransportInfo
}

// VirtioTransportInfo names one already-located VirtIO transport and
// the device family it should be negotiated as.
type VirtioTransportInfo struct {
	Kind      DeviceKind
	Transport virtio.Transport
	Legacy    bool
}

// DeviceKind selects which of blockdev, netdev, or scsi a negotiated
// virtio.Driver is handed to.
type DeviceKind int

const (
	DeviceBlock DeviceKind = iota
	DeviceNet
	DeviceSCSI
)

// blockQueueCount, netQueueCount, scsiQueueCount are the number of
// virtqueues each device family negotiates, per spec §4.9's per-driver
// queue layout.
const (
	blockQueueCount = 1
	netQueueCount   = 2
	scsiQueueCount  = 3

	scsiSenseSize = 96
	scsiCDBSize   = 16

	blockCapacitySlots = 64
)

// virtioMustFeatures, virtioLikeFeatures are the feature bits this
// kernel requires or merely prefers from any VirtIO device, regardless
// of family. Device-specific feature negotiation beyond this belongs
// to the individual driver, not to the boot sequence.
const (
	virtioMustFeatures uint64 = 0
	virtioLikeFeatures uint64 = 0
)

// Kernel bundles every long-lived manager Boot constructed. A running
// kernel image holds exactly one of these; cmd/kernel's main loop (the
// interrupt/syscall dispatch that would read from it) is itself an
// external collaborator not modelled here.
type Kernel struct {
	Frames    *pmm.Allocator
	PageTable *vmm.Manager
	Scheduler *sched.Scheduler
	Threads   *thread.Manager
	Processes *proc.Manager

	BlockDevices []*blockdev.Driver
	NetDevices   []*netdev.Driver
	SCSIHosts    []*scsi.Host
}

// Boot constructs every kernel component in dependency order and
// returns the assembled Kernel. It performs the one-time kernel
// mapping remap described in spec §4.3 and then probes whatever
// VirtIO transports BootInfo already located; it does not discover
// devices itself.
func Boot(info BootInfo) (*Kernel, error) {
	frames := pmm.New(info.MemoryMap)

	pageTable := vmm.NewManager(info.RootPageTable, info.PhysMemOffset)

	mappings := vmlayout.Walk(pageTable)
	plans := vmlayout.PlanRemap(mappings, info.IsCode)
	remapper := vmlayout.NewRemapper(pageTable)
	if err := remapper.Apply(plans, info.GlobalFlush); err != nil {
		return nil, fmt.Errorf("kernel: applying kernel memory remap: %w", err)
	}

	scheduler := sched.New()
	threads := thread.NewManager(scheduler, pageTable, frames)
	processes := proc.NewManager(frames, info.PhysMemOffset, threads, scheduler)

	k := &Kernel{
		Frames:    frames,
		PageTable: pageTable,
		Scheduler: scheduler,
		Threads:   threads,
		Processes: processes,
	}

	for _, t := range info.VirtioTransports {
		if err := k.probeDevice(t, frames, info.PhysMemOffset); err != nil {
			return nil, err
		}
	}

	return k, nil
}

// probeDevice negotiates one already-located VirtIO transport and
// hands the resulting driver to the device family named by t.Kind.
func (k *Kernel) probeDevice(t VirtioTransportInfo, frames *pmm.Allocator, physMemOffset uint64) error {
	queues := map[DeviceKind]uint16{
		DeviceBlock: blockQueueCount,
		DeviceNet:   netQueueCount,
		DeviceSCSI:  scsiQueueCount,
	}[t.Kind]

	driver, err := virtio.New(t.Transport, virtioMustFeatures, virtioLikeFeatures, queues, t.Legacy, frames, physMemOffset)
	if err != nil {
		return fmt.Errorf("kernel: negotiating virtio device: %w", err)
	}

	switch t.Kind {
	case DeviceBlock:
		bd, err := blockdev.New(driver, k.Scheduler, frames, physMemOffset, blockCapacitySlots)
		if err != nil {
			return fmt.Errorf("kernel: attaching block device: %w", err)
		}
		k.BlockDevices = append(k.BlockDevices, bd)
	case DeviceNet:
		nd, err := netdev.New(driver, frames, physMemOffset)
		if err != nil {
			return fmt.Errorf("kernel: attaching network device: %w", err)
		}
		k.NetDevices = append(k.NetDevices, nd)
	case DeviceSCSI:
		host, err := scsi.NewHost(driver, k.Scheduler, frames, physMemOffset, scsiSenseSize, scsiCDBSize)
		if err != nil {
			return fmt.Errorf("kernel: attaching SCSI host: %w", err)
		}
		k.SCSIHosts = append(k.SCSIHosts, host)
	default:
		return fmt.Errorf("kernel: unknown device kind %d", t.Kind)
	}
	return nil
}
