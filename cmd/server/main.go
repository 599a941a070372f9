package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/KevinKickass/OpenMachineIO/internal/auth"
	"github.com/KevinKickass/OpenMachineIO/internal/config"
	"github.com/KevinKickass/OpenMachineIO/internal/logging"
	"github.com/KevinKickass/OpenMachineIO/internal/system"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	issueToken := flag.String("issue-token", "", "print an access token for subject:role and exit")
	flag.Parse()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken); err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		return
	}

	// Logger initialisieren
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *zap.Logger) int {
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("driver", cfg.Bus.Driver))

	lifecycle := system.NewLifecycleManager(cfg, logger)

	exitCode := 0

	// System starten
	if err := lifecycle.Start(context.Background()); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		exitCode = 1
	} else {
		logger.Info("OpenMachineIO started successfully")

		// Graceful Shutdown auf Signal oder bei fatalem Busfehler
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		case err := <-lifecycle.Fatal():
			logger.Error("Fatal bus error", zap.Error(err))
			exitCode = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		exitCode = 1
	}

	logger.Info("OpenMachineIO stopped", zap.Int("exit_code", exitCode))
	return exitCode
}

// printToken issues a token for "subject:role", for provisioning HMIs and scripts.
func printToken(cfg *config.Config, arg string) error {
	subject, role, ok := strings.Cut(arg, ":")
	if !ok || subject == "" {
		return fmt.Errorf("expected subject:role, got %q", arg)
	}

	jwt := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL)
	token, err := jwt.GenerateAccessToken(subject, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
