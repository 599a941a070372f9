// Package catalog holds the fixed address table of the daisy chain.
package catalog

import (
	"github.com/KevinKickass/OpenMachineIO/internal/types"
)

// Catalog is the ordered list of every device that can be present on the
// bus. Addresses are assigned 1..N by position and never change.
type Catalog struct {
	devices   []types.Device
	byAddress map[uint8]types.Device
}

// New assigns addresses to models in chain order.
func New(models []types.DeviceModel) *Catalog {
	c := &Catalog{
		devices:   make([]types.Device, 0, len(models)),
		byAddress: make(map[uint8]types.Device, len(models)),
	}

	offset := 0
	for i, model := range models {
		device := types.Device{
			Address:  uint8(i + 1),
			Model:    model,
			IOOffset: offset,
		}
		offset += model.IOWidth()

		c.devices = append(c.devices, device)
		c.byAddress[device.Address] = device
	}
	return c
}

// Default is one CM8 followed by four IO16 expansions.
func Default() *Catalog {
	models := []types.DeviceModel{ModelCM8}
	for i := 0; i < DefaultExpansionCount; i++ {
		models = append(models, ModelIO16)
	}
	return New(models)
}

// Devices returns all catalog devices in ascending address order.
func (c *Catalog) Devices() []types.Device {
	out := make([]types.Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// Lookup returns the device at address.
func (c *Catalog) Lookup(address uint8) (types.Device, bool) {
	d, ok := c.byAddress[address]
	return d, ok
}

// Len returns the number of catalog addresses.
func (c *Catalog) Len() int {
	return len(c.devices)
}

// Filter returns the catalog devices whose address is in addresses, in
// ascending address order.
func (c *Catalog) Filter(addresses map[uint8]bool) []types.Device {
	out := make([]types.Device, 0, len(addresses))
	for _, d := range c.devices {
		if addresses[d.Address] {
			out = append(out, d)
		}
	}
	return out
}
