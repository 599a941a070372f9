package ipc

import (
	"fmt"
	"sort"

	"github.com/KevinKickass/OpenMachineIO/internal/catalog"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"go.uber.org/zap"
)

// Controller applies client commands to the bus.
type Controller interface {
	SetAllOutputs(outputs types.OutputStates, requestInputStates, flashLEDs bool) (bool, error)
	SetLEDs(cmds []types.LEDCommand) error
}

// Handler decodes client messages and forwards them to the controller.
// Commands for addresses outside the catalog are dropped before they reach
// the bus.
type Handler struct {
	controller Controller
	catalog    *catalog.Catalog
	logger     *zap.Logger
}

func NewHandler(controller Controller, cat *catalog.Catalog, logger *zap.Logger) *Handler {
	return &Handler{controller: controller, catalog: cat, logger: logger}
}

// HandleMessage applies one client message. Known addresses are applied even
// when others are dropped; the returned error then wraps ErrUnknownAddress.
func (h *Handler) HandleMessage(clientID string, data []byte) error {
	msgType, err := ReadHeader(data)
	if err != nil {
		return err
	}

	switch msgType {
	case MsgSetAllOutputs:
		msg, err := DecodeSetAllOutputs(data)
		if err != nil {
			return err
		}
		outputs, unknown := h.filterOutputs(msg.Outputs)
		if len(outputs) == 0 && !msg.RequestInputStates && !msg.FlashLEDs {
			return unknownAddresses(unknown)
		}

		triggered, err := h.controller.SetAllOutputs(outputs, msg.RequestInputStates, msg.FlashLEDs)
		h.logger.Debug("SetAllOutputs received",
			zap.String("client_id", clientID),
			zap.Int("devices", len(outputs)),
			zap.Bool("triggered", triggered))
		if err != nil {
			return err
		}
		return unknownAddresses(unknown)

	case MsgSetLEDs:
		cmds, err := DecodeSetLEDs(data)
		if err != nil {
			return err
		}
		known := make([]types.LEDCommand, 0, len(cmds))
		var unknown []uint8
		for _, cmd := range cmds {
			if _, ok := h.catalog.Lookup(cmd.Address); !ok {
				unknown = append(unknown, cmd.Address)
				continue
			}
			known = append(known, cmd)
		}
		if len(known) == 0 && len(unknown) > 0 {
			return unknownAddresses(unknown)
		}

		h.logger.Debug("SetLEDs received",
			zap.String("client_id", clientID),
			zap.Int("commands", len(known)))
		if err := h.controller.SetLEDs(known); err != nil {
			return err
		}
		return unknownAddresses(unknown)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, msgType)
	}
}

// filterOutputs drops unknown addresses and clips level arrays to the
// model's output count, so change detection only sees levels that reach
// the device.
func (h *Handler) filterOutputs(outputs types.OutputStates) (types.OutputStates, []uint8) {
	known := make(types.OutputStates, len(outputs))
	var unknown []uint8
	for addr, levels := range outputs {
		device, ok := h.catalog.Lookup(addr)
		if !ok {
			unknown = append(unknown, addr)
			continue
		}
		if n := device.Model.NumDigitalOutputs; len(levels) > n {
			levels = levels[:n]
		}
		known[addr] = levels
	}
	return known, unknown
}

func unknownAddresses(addrs []uint8) error {
	if len(addrs) == 0 {
		return nil
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return fmt.Errorf("%w: %v", ErrUnknownAddress, addrs)
}
