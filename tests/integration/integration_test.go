//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/kriansa/vmctl/internal/backend"
	"github.com/kriansa/vmctl/internal/client"
	"github.com/kriansa/vmctl/internal/config"
	"github.com/kriansa/vmctl/internal/control"
	"github.com/kriansa/vmctl/internal/server"
	"github.com/kriansa/vmctl/internal/session"
	"github.com/kriansa/vmctl/tests/integration/log"
)

const toolsTimeout = 3 * time.Minute

var (
	testCfg    *config.Config
	testClient *client.Client
	stopServer func()
)

// TestMain serves a controller for the libvirt host named by the VMCTL_*
// environment and points testClient at it.
func TestMain(m *testing.M) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fatalf("\nInterrupted, shutting down...")
	}()

	cfg, err := configFromEnv()
	if err != nil {
		fatalf("%v", err)
	}
	testCfg = cfg

	driver, err := backend.New(cfg)
	if err != nil {
		fatalf("Failed to create backend: %v", err)
	}
	ctrl := control.New(cfg, driver)

	l, err := server.Listen(cfg.SocketPath)
	if err != nil {
		fatalf("Failed to listen on %s: %v", cfg.SocketPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, server.NewHandler(ctrl), l) }()
	stopServer = func() {
		cancel()
		if err := <-done; err != nil {
			log.Status("Server stopped with error: %v", err)
		}
		if err := ctrl.Close(); err != nil {
			log.Status("Failed to close session: %v", err)
		}
	}

	if testClient, err = client.New(cfg.SocketPath); err != nil {
		fatalf("Failed to create client: %v", err)
	}

	if err := testClient.PowerOn(ctx); err != nil && !errors.Is(err, session.ErrVMIsRunning) {
		fatalf("Failed to power on %s: %v", cfg.VM.Path, err)
	}
	log.Status("Waiting for guest tools...")
	if err := testClient.WaitForTools(ctx, toolsTimeout); err != nil {
		fatalf("Guest tools did not start: %v", err)
	}

	log.Status("Running tests...")
	code := m.Run()

	_ = testClient.Close()
	stopServer()
	os.Exit(code)
}

// fatalf prints a formatted error message and exits with code 1.
// Use this in TestMain or setup code where *testing.T is not available.
func fatalf(format string, args ...any) {
	log.Status(format, args...)
	if stopServer != nil {
		stopServer()
	}
	os.Exit(1)
}

func configFromEnv() (*config.Config, error) {
	cfg := &config.Config{Backend: "libvirt"}
	cfg.Host.Address = os.Getenv("VMCTL_HOST")
	cfg.Host.Username = os.Getenv("VMCTL_USER")
	cfg.Host.Password = os.Getenv("VMCTL_PASSWORD")
	cfg.Host.KnownHosts = os.Getenv("VMCTL_KNOWN_HOSTS")
	cfg.Host.InsecureIgnoreHostKey = cfg.Host.KnownHosts == ""
	cfg.VM.Path = os.Getenv("VMCTL_VM")
	cfg.Guest.Username = os.Getenv("VMCTL_GUEST_USER")
	cfg.Guest.Password = os.Getenv("VMCTL_GUEST_PASSWORD")
	cfg.SocketPath = filepath.Join(os.TempDir(), fmt.Sprintf("vmctl-test-%d.sock", os.Getpid()))

	if backend := os.Getenv("VMCTL_BACKEND"); backend != "" {
		cfg.Backend = backend
	}
	if port := os.Getenv("VMCTL_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("VMCTL_PORT: %w", err)
		}
		cfg.Host.Port = p
	}

	if cfg.VM.Path == "" || cfg.Guest.Username == "" {
		return nil, fmt.Errorf("set VMCTL_HOST, VMCTL_VM and VMCTL_GUEST_USER to run the integration tests")
	}

	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}
