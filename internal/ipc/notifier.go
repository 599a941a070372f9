package ipc

import (
	"github.com/KevinKickass/OpenMachineIO/internal/provisioning"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
)

// Notifier turns bus results into client messages.
type Notifier struct {
	hub  *Hub
	info provisioning.Info
}

func NewNotifier(hub *Hub, info provisioning.Info) *Notifier {
	return &Notifier{hub: hub, info: info}
}

// PublishDevices broadcasts the new device list and makes it the greeting
// for clients that connect later.
func (n *Notifier) PublishDevices(devices []types.Device) {
	msg := EncodeDevicesList(types.HardwareInfo{
		Devices:      devices,
		SerialNumber: n.info.SerialNumber,
		AccessCode:   n.info.AccessCode,
	})
	n.hub.BroadcastGreeting(msg)
}

func (n *Notifier) PublishInputStates(states []types.DeviceInputState) {
	n.hub.Broadcast(EncodeDeviceInputStates(states))
}
