package catalog

import "github.com/KevinKickass/OpenMachineIO/internal/types"

var (
	// ModelCM8 is the primary board: 8 digital in/out, 4 analog inputs and
	// the connect button.
	ModelCM8 = types.DeviceModel{
		Name:              "iron-pi-cm8",
		Version:           "1.0.0",
		NumDigitalInputs:  8,
		NumDigitalOutputs: 8,
		NumAnalogInputs:   4,
		HasConnectButton:  true,
	}

	// ModelIO16 is the 16 channel expansion board.
	ModelIO16 = types.DeviceModel{
		Name:              "iron-pi-io16",
		Version:           "1.0.0",
		NumDigitalInputs:  16,
		NumDigitalOutputs: 16,
		NumAnalogInputs:   8,
		HasConnectButton:  false,
	}
)

// DefaultExpansionCount is the number of expansion slots on the standard chain.
const DefaultExpansionCount = 4

// BuiltinModels returns the models known without a topology file, by name.
func BuiltinModels() map[string]types.DeviceModel {
	return map[string]types.DeviceModel{
		ModelCM8.Name:  ModelCM8,
		ModelIO16.Name: ModelIO16,
	}
}
