package hardware

import (
	"strings"

	"github.com/jaypipes/ghw"
)

func pciDevices() ([]Device, error) {
	gpu, err := ghw.GPU()
	if err != nil {
		return nil, err
	}
	var out []Device
	for _, card := range gpu.GraphicsCards {
		if card.DeviceInfo == nil || card.DeviceInfo.Vendor == nil {
			continue
		}
		if !strings.Contains(strings.ToLower(card.DeviceInfo.Vendor.Name), "nvidia") {
			continue
		}
		name := card.DeviceInfo.Vendor.Name
		if card.DeviceInfo.Product != nil {
			name = card.DeviceInfo.Product.Name
		}
		out = append(out, Device{Index: len(out), Name: name, UUID: card.Address, Source: "pci"})
	}
	return out, nil
}
