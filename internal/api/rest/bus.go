package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenMachineIO/internal/auth"
	"github.com/KevinKickass/OpenMachineIO/internal/bus"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type setOutputsRequest struct {
	Outputs            types.OutputStates `json:"outputs" binding:"required"`
	RequestInputStates bool               `json:"request_input_states"`
	FlashLEDs          bool               `json:"flash_leds"`
}

type setLEDsRequest struct {
	LEDs []types.LEDCommand `json:"leds" binding:"required"`
}

// unknownAddresses returns the addresses that are not in the catalog.
func (s *Server) unknownAddresses(addresses []uint8) []int {
	var unknown []int
	cat := s.lm.Bus().Catalog()
	for _, addr := range addresses {
		if _, ok := cat.Lookup(addr); !ok {
			unknown = append(unknown, int(addr))
		}
	}
	return unknown
}

func (s *Server) busError(c *gin.Context, err error) {
	if errors.Is(err, bus.ErrLoopStopped) {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.ErrCodeUnavailable, "bus loop stopped", err.Error()))
		return
	}
	c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrCodeInternal, "bus command failed", err.Error()))
}

// POST /api/v1/outputs
func (s *Server) setOutputs(c *gin.Context) {
	var req setOutputsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	addresses := make([]uint8, 0, len(req.Outputs))
	for addr := range req.Outputs {
		addresses = append(addresses, addr)
	}
	if unknown := s.unknownAddresses(addresses); len(unknown) > 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "unknown device address", gin.H{"addresses": unknown}))
		return
	}

	triggered, err := s.lm.Bus().SetAllOutputs(req.Outputs, req.RequestInputStates, req.FlashLEDs)
	if err != nil {
		s.busError(c, err)
		return
	}

	s.logger.Info("Outputs set via REST",
		zap.String("subject", auth.GetSubject(c)),
		zap.Int("devices", len(req.Outputs)),
		zap.Bool("triggered", triggered))

	c.JSON(http.StatusAccepted, gin.H{"triggered": triggered})
}

// POST /api/v1/leds
func (s *Server) setLEDs(c *gin.Context) {
	var req setLEDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	addresses := make([]uint8, 0, len(req.LEDs))
	for _, cmd := range req.LEDs {
		addresses = append(addresses, cmd.Address)
	}
	if unknown := s.unknownAddresses(addresses); len(unknown) > 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "unknown device address", gin.H{"addresses": unknown}))
		return
	}

	if err := s.lm.Bus().SetLEDs(req.LEDs); err != nil {
		s.busError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}

// POST /api/v1/detect
func (s *Server) detect(c *gin.Context) {
	if err := s.lm.Bus().RequestDetection(); err != nil {
		s.busError(c, err)
		return
	}

	s.logger.Info("Detection requested via REST", zap.String("subject", auth.GetSubject(c)))
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}
