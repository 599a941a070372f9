package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenMachineIO/internal/bus"
	"github.com/KevinKickass/OpenMachineIO/internal/catalog"
	"github.com/KevinKickass/OpenMachineIO/internal/config"
	"github.com/KevinKickass/OpenMachineIO/internal/ipc"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State           string     `json:"state"`
	Error           string     `json:"error,omitempty"`
	Bus             bus.Status `json:"bus"`
	IPCClients      int        `json:"ipc_clients"`
	CatalogDevices  int        `json:"catalog_devices"`
	DetectedDevices int        `json:"detected_devices"`
}

// BusController is the part of the bus driver the API works with.
type BusController interface {
	Catalog() *catalog.Catalog
	Detected() []types.Device
	LastStates() []types.DeviceInputState
	LastState(address uint8) (types.DeviceInputState, bool)
	SetAllOutputs(outputs types.OutputStates, requestInputStates, flashLEDs bool) (bool, error)
	SetLEDs(cmds []types.LEDCommand) error
	RequestDetection() error
	Status() bus.Status
}

type LifecycleManager interface {
	Config() *config.Config
	Bus() BusController
	IPCClients() []ipc.ClientInfo
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
