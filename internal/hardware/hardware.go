// Package hardware enumerates GPUs and host memory for device validation and
// the heartbeat hardware description.
package hardware

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
)

// Device is one accelerator as seen by the probe.
type Device struct {
	Index       int
	Name        string
	UUID        string
	MemoryTotal uint64
	// "nvml" or "pci".
	Source string
}

// Inventory is the result of a probe.
type Inventory struct {
	Devices    []Device
	HostMemory uint64
}

type lister func() ([]Device, error)

// Prober queries NVML first and falls back to PCI enumeration when the NVIDIA
// management library is unavailable.
type Prober struct {
	primary  lister
	fallback lister
	hostMem  func(ctx context.Context) (uint64, error)
	log      zerolog.Logger
}

func NewProber(log zerolog.Logger) *Prober {
	return &Prober{primary: nvmlDevices, fallback: pciDevices, hostMem: hostMemory, log: log.With().Str("component", "hardware").Logger()}
}

func hostMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

// Probe never fails outright: an empty device list is a valid answer and the
// caller decides whether that is fatal.
func (p *Prober) Probe(ctx context.Context) Inventory {
	var inv Inventory
	devs, err := p.primary()
	if err != nil {
		p.log.Debug().Err(err).Msg("nvml unavailable, falling back to pci enumeration")
		devs, err = p.fallback()
		if err != nil {
			p.log.Warn().Err(err).Msg("gpu enumeration failed")
		}
	}
	inv.Devices = devs
	if m, err := p.hostMem(ctx); err == nil {
		inv.HostMemory = m
	} else {
		p.log.Debug().Err(err).Msg("host memory unavailable")
	}
	for _, d := range inv.Devices {
		ev := p.log.Info().Int("device", d.Index).Str("name", d.Name).Str("source", d.Source)
		if d.MemoryTotal > 0 {
			ev = ev.Str("vram", humanize.IBytes(d.MemoryTotal))
		}
		ev.Msg("found device")
	}
	return inv
}

// Validate checks that numDevices workers can be placed on the inventory.
func (inv Inventory) Validate(numDevices int) error {
	if len(inv.Devices) == 0 {
		return fmt.Errorf("no GPU devices found")
	}
	if numDevices > len(inv.Devices) {
		return fmt.Errorf("number of devices specified in config (%d) is greater than available (%d)", numDevices, len(inv.Devices))
	}
	return nil
}

// Describe returns the hardware string advertised for a device.
func (inv Inventory) Describe(index int) string {
	for _, d := range inv.Devices {
		if d.Index == index {
			return d.Name
		}
	}
	return "No CUDA devices found"
}
