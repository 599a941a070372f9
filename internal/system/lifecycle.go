package system

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMachineIO/internal/api/rest"
	"github.com/KevinKickass/OpenMachineIO/internal/auth"
	"github.com/KevinKickass/OpenMachineIO/internal/bus"
	"github.com/KevinKickass/OpenMachineIO/internal/catalog"
	"github.com/KevinKickass/OpenMachineIO/internal/config"
	"github.com/KevinKickass/OpenMachineIO/internal/interfaces"
	"github.com/KevinKickass/OpenMachineIO/internal/ipc"
	"github.com/KevinKickass/OpenMachineIO/internal/provisioning"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name that reflects the bus loop.
const HealthService = "iobus"

const provisioningTimeout = 5 * time.Second

// Simulated controllers have no EEPROM.
var simulatedProvisioning = provisioning.Info{SerialNumber: "SIM001", AccessCode: "SIMULATE"}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

// busController forwards IPC commands to the driver. The driver publishes
// through the hub, and the hub needs its handler up front, so the driver is
// filled in once it exists.
type busController struct {
	driver *bus.Driver
}

func (b *busController) SetAllOutputs(outputs types.OutputStates, requestInputStates, flashLEDs bool) (bool, error) {
	return b.driver.SetAllOutputs(outputs, requestInputStates, flashLEDs)
}

func (b *busController) SetLEDs(cmds []types.LEDCommand) error {
	return b.driver.SetLEDs(cmds)
}

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger
	jwt    *auth.JWTHandler

	catalog   *catalog.Catalog
	transport bus.Transport
	closer    io.Closer
	driver    *bus.Driver

	hub       *ipc.Hub
	hubCancel context.CancelFunc
	hubDone   chan struct{}
	ipcServer *ipc.Server

	restServer *rest.Server
	grpcServer *grpc.Server
	health     *health.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	fatal        chan error
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) *LifecycleManager {
	return &LifecycleManager{
		config:          cfg,
		logger:          logger,
		jwt:             auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL),
		currentState:    StateInitializing,
		fatal:           make(chan error, 1),
		shutdownChan:    make(chan struct{}),
		statusListeners: make([]chan SystemStatus, 0),
	}
}

// Start opens the bus, runs the first detection and brings up the client
// interfaces. On error the manager is in StateError and Shutdown releases
// whatever was opened.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenMachineIO bus daemon",
		zap.String("driver", lm.config.Bus.Driver),
		zap.String("mode", lm.config.Bus.Mode))
	lm.broadcastStatus()

	if !lm.config.Auth.IsProductionReady() {
		lm.logger.Warn("JWT secret is not production ready, using development fallback",
			zap.String("env", lm.config.Auth.JWTSecretEnv))
	}

	cat, err := lm.loadCatalog()
	if err != nil {
		return lm.fail(fmt.Errorf("failed to load topology: %w", err))
	}
	lm.catalog = cat

	if err := lm.openTransport(); err != nil {
		return lm.fail(fmt.Errorf("failed to open bus: %w", err))
	}

	// Provisioning vor der ersten Erkennung lesen, damit die erste
	// Geräteliste schon Seriennummer und Access Code enthält
	info := lm.readProvisioning(ctx)

	controller := &busController{}
	lm.hub = ipc.NewHub(ipc.NewHandler(controller, cat, lm.logger), lm.logger)
	notifier := ipc.NewNotifier(lm.hub, info)

	mode, err := bus.ParseMode(lm.config.Bus.Mode)
	if err != nil {
		return lm.fail(err)
	}
	lm.driver = bus.NewDriver(cat, lm.transport, notifier, bus.Options{
		Mode:                   mode,
		PollInterval:           lm.config.Bus.PollInterval,
		TransactionGap:         lm.config.Bus.TransactionGap,
		FlashEvery:             lm.config.Bus.FlashEvery,
		DetectEvery:            lm.config.Bus.DetectEvery,
		MaxCoalescedRounds:     lm.config.Bus.MaxCoalescedRounds,
		RequestInputsOnOutputs: lm.config.Bus.RequestInputsOnOutputs,
	}, lm.logger)
	controller.driver = lm.driver

	if err := lm.driver.Detect(); err != nil {
		// the detect flag stays pending, the next round retries it
		lm.logger.Warn("Initial detection failed", zap.Error(err))
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	lm.hubDone = make(chan struct{})
	go func() {
		defer close(lm.hubDone)
		lm.hub.Run(hubCtx)
	}()

	lm.ipcServer = ipc.NewServer(lm.config.IPC.SocketPath, lm.hub, lm.logger)
	if err := lm.ipcServer.Start(); err != nil {
		return lm.fail(fmt.Errorf("failed to start IPC server: %w", err))
	}

	if err := lm.driver.Start(); err != nil {
		return lm.fail(fmt.Errorf("failed to start bus polling: %w", err))
	}

	if lm.config.Server.HTTPPort > 0 {
		if err := lm.startRESTServer(); err != nil {
			return lm.fail(fmt.Errorf("failed to start REST API: %w", err))
		}
	}

	if lm.config.Server.GRPCPort > 0 {
		if err := lm.startGRPCServer(); err != nil {
			return lm.fail(fmt.Errorf("failed to start gRPC: %w", err))
		}
	}

	go lm.watchFatal(lm.driver.Fatal())

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("catalog_devices", cat.Len()),
		zap.Int("detected_devices", len(lm.driver.Detected())),
		zap.String("socket", lm.config.IPC.SocketPath),
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort))

	return nil
}

func (lm *LifecycleManager) loadCatalog() (*catalog.Catalog, error) {
	path := lm.config.Bus.TopologyFile
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, err
	}
	lm.logger.Info("Topology loaded", zap.String("file", path), zap.Int("devices", cat.Len()))
	return cat, nil
}

func (lm *LifecycleManager) openTransport() error {
	cfg := lm.config.Bus

	if cfg.Driver == config.DriverSimulated {
		sim := bus.NewSimulator(lm.catalog, cfg.SimulatedAddresses)
		lm.transport, lm.closer = sim, sim
		lm.logger.Info("Using simulated bus", zap.Uint8s("addresses", cfg.SimulatedAddresses))
		return nil
	}

	port, err := bus.OpenSPI(cfg.Device, cfg.SpeedHz, cfg.SPIMode)
	if err != nil {
		return err
	}
	lm.transport, lm.closer = port, port
	lm.logger.Info("SPI bus opened",
		zap.String("device", cfg.Device),
		zap.Int64("speed_hz", cfg.SpeedHz),
		zap.Int("spi_mode", cfg.SPIMode))
	return nil
}

func (lm *LifecycleManager) readProvisioning(ctx context.Context) provisioning.Info {
	cfg := lm.config.Provisioning

	var reader provisioning.Reader
	if lm.config.Bus.Driver == config.DriverSimulated {
		reader = provisioning.StaticReader{Info: simulatedProvisioning}
	} else {
		eeprom, err := provisioning.OpenEEPROM(cfg.I2CBus, cfg.Address)
		if err != nil {
			lm.logger.Error("Failed to open provisioning EEPROM",
				zap.String("i2c_bus", cfg.I2CBus),
				zap.String("fallback_access_code", cfg.FallbackAccessCode),
				zap.Error(err))
			return provisioning.Info{AccessCode: cfg.FallbackAccessCode}
		}
		defer func() {
			if err := eeprom.Close(); err != nil {
				lm.logger.Warn("Failed to close I2C bus", zap.Error(err))
			}
		}()
		reader = eeprom
	}

	readCtx, cancel := context.WithTimeout(ctx, provisioningTimeout)
	defer cancel()
	return provisioning.ReadOrFallback(readCtx, reader, cfg.FallbackAccessCode, lm.logger)
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.jwt, lm.logger)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.health = health.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)
	lm.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// watchFatal waits for the bus loop to give up. The process cannot recover
// from that, so the error is handed to whoever waits on Fatal.
func (lm *LifecycleManager) watchFatal(fatal <-chan error) {
	select {
	case err := <-fatal:
		lm.logger.Error("Bus driver stopped, shutting down", zap.Error(err))
		lm.setError(err)
		if lm.health != nil {
			lm.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
		}
		select {
		case lm.fatal <- err:
		default:
		}
	case <-lm.shutdownChan:
	}
}

// Fatal delivers an unrecoverable bus error. The caller is expected to shut
// down and exit non-zero.
func (lm *LifecycleManager) Fatal() <-chan error {
	return lm.fatal
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		if lm.health != nil {
			lm.health.Shutdown()
		}

		shutdownErr = lm.gracefulShutdown(ctx)
		if shutdownErr != nil {
			lm.setError(shutdownErr)
		}

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	// Bus zuerst anhalten, damit keine Runde mehr an Clients veröffentlicht
	if lm.driver != nil {
		lm.driver.Stop()
	}

	var g errgroup.Group

	if lm.restServer != nil {
		g.Go(func() error {
			if err := lm.restServer.Shutdown(ctx); err != nil {
				return fmt.Errorf("rest api shutdown failed: %w", err)
			}
			return nil
		})
	}

	if lm.ipcServer != nil {
		g.Go(func() error {
			if err := lm.ipcServer.Shutdown(ctx); err != nil {
				return fmt.Errorf("ipc server shutdown failed: %w", err)
			}
			return nil
		})
	}

	if lm.grpcServer != nil {
		g.Go(func() error {
			lm.logger.Info("Stopping gRPC server")
			return lm.stopGRPC(ctx)
		})
	}

	err := g.Wait()

	if lm.hubCancel != nil {
		lm.hubCancel()
		select {
		case <-lm.hubDone:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("ipc hub did not stop: %w", ctx.Err()))
		}
	}

	if lm.closer != nil {
		if closeErr := lm.closer.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close bus: %w", closeErr))
		}
	}

	if err == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return err
}

func (lm *LifecycleManager) stopGRPC(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		lm.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing gRPC stop")
		lm.grpcServer.Stop()
		return fmt.Errorf("grpc shutdown: %w", ctx.Err())
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Warn("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	lm.lastErr = err
	lm.stateMu.Unlock()

	lm.setState(StateError)
}

func (lm *LifecycleManager) fail(err error) error {
	lm.logger.Error("Startup failed", zap.Error(err))
	lm.setError(err)
	return err
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	status := interfaces.SystemStatus{State: lm.currentState.String()}
	if lm.lastErr != nil {
		status.Error = lm.lastErr.Error()
	}
	lm.stateMu.RUnlock()

	if lm.catalog != nil {
		status.CatalogDevices = lm.catalog.Len()
	}
	if lm.driver != nil {
		status.Bus = lm.driver.Status()
		status.DetectedDevices = status.Bus.Detected
	}
	if lm.hub != nil {
		status.IPCClients = lm.hub.GetClientCount()
	}
	return status
}

// getStatusInternal returns typed status (for internal use)
func (lm *LifecycleManager) getStatusInternal() SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := SystemStatus{
		State:     lm.currentState,
		Timestamp: time.Now().Unix(),
	}
	if lm.lastErr != nil {
		status.Error = lm.lastErr.Error()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.getStatusInternal()

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Bus returns the bus driver, nil before Start.
func (lm *LifecycleManager) Bus() interfaces.BusController {
	if lm.driver == nil {
		return nil
	}
	return lm.driver
}

// IPCClients lists the connected IPC clients
func (lm *LifecycleManager) IPCClients() []ipc.ClientInfo {
	if lm.hub == nil {
		return nil
	}
	return lm.hub.Clients()
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
