package rest

import (
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"github.com/gin-gonic/gin"
)

type deviceResponse struct {
	types.Device
	Detected bool `json:"detected"`
}

func (s *Server) detectedSet() map[uint8]bool {
	detected := make(map[uint8]bool)
	for _, d := range s.lm.Bus().Detected() {
		detected[d.Address] = true
	}
	return detected
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	detected := s.detectedSet()
	devices := s.lm.Bus().Catalog().Devices()

	response := make([]deviceResponse, 0, len(devices))
	for _, device := range devices {
		response = append(response, deviceResponse{
			Device:   device,
			Detected: detected[device.Address],
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":  response,
		"count":    len(response),
		"detected": len(detected),
	})
}

// GET /api/v1/devices/:address
func (s *Server) getDevice(c *gin.Context) {
	address, err := strconv.ParseUint(c.Param("address"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "invalid device address", err.Error()))
		return
	}

	device, exists := s.lm.Bus().Catalog().Lookup(uint8(address))
	if !exists {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrCodeNotFound, "device not found", gin.H{"address": address}))
		return
	}

	response := gin.H{
		"device": deviceResponse{Device: device, Detected: s.detectedSet()[device.Address]},
	}
	if state, ok := s.lm.Bus().LastState(device.Address); ok {
		response["state"] = state
	}
	c.JSON(http.StatusOK, response)
}

// GET /api/v1/inputs
func (s *Server) listInputs(c *gin.Context) {
	states := s.lm.Bus().LastStates()
	c.JSON(http.StatusOK, gin.H{
		"inputs": states,
		"count":  len(states),
	})
}
