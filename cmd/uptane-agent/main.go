package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/uptane-agent/pkg/config"
	"github.com/cuemby/uptane-agent/pkg/events"
	"github.com/cuemby/uptane-agent/pkg/log"
	"github.com/cuemby/uptane-agent/pkg/metrics"
	"github.com/cuemby/uptane-agent/pkg/orchestrator"
	"github.com/cuemby/uptane-agent/pkg/pacman"
	"github.com/cuemby/uptane-agent/pkg/provision"
	"github.com/cuemby/uptane-agent/pkg/repo"
	"github.com/cuemby/uptane-agent/pkg/secondary"
	"github.com/cuemby/uptane-agent/pkg/security"
	"github.com/cuemby/uptane-agent/pkg/store"
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uptane"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "uptane-agent",
	Short: "uptane-agent - an Uptane Primary update client",
	Long: `uptane-agent provisions a device against a Director and Image
repository, then runs the Check/Download/Install/Report cycle that
keeps its own firmware and its Secondary ECUs' firmware in sync with
the fleet's signed update metadata.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"uptane-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "/etc/sota/sota.toml", "Path to the sota.toml configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(provisionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the update cycle",
	Long: `run wires up the trust store, the Director/Image fetch clients,
the device's package manager, and its Secondary transports, then
drives the Check/Download/Install/Report state machine according to
--mode.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().String("mode", "full", "Running mode: full, once, check, download, install")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
}

func runAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	modeFlag, _ := cmd.Flags().GetString("mode")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	mode, err := parseMode(modeFlag)
	if err != nil {
		return err
	}

	s, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open trust store: %v", err)
	}
	defer s.Close()

	keys := security.NewKeyManager()
	if err := keys.LoadFromSources(
		security.Source{Kind: security.SourceFile, Path: cfg.TLS.CASource},
		security.Source{Kind: security.SourceFile, Path: cfg.TLS.CertSource},
		security.Source{Kind: security.SourceFile, Path: cfg.TLS.PkeySource},
		security.Source{Kind: security.SourceFile, Path: cfg.Uptane.KeySource},
	); err != nil {
		return fmt.Errorf("failed to load device credentials: %v", err)
	}

	director := repo.NewClient(cfg.Uptane.DirectorServer, types.RepoDirector)
	image := repo.NewClient(cfg.Uptane.RepoServer, types.RepoImage)
	verifier := uptane.NewVerifier(s)

	pm, err := pacman.New(cfg.Pacman.Type, pacman.Config{
		OSTreeSysroot:  cfg.Pacman.Sysroot,
		ContainerdSock: cfg.Pacman.Extra["containerd_sock"],
		ContainerImage: cfg.Pacman.Extra["container_image"],
	})
	if err != nil {
		return fmt.Errorf("failed to initialize package manager %q: %v", cfg.Pacman.Type, err)
	}

	secondaries, err := loadSecondaries(cfg, keys)
	if err != nil {
		return fmt.Errorf("failed to load secondary transports: %v", err)
	}

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	blobDir := filepath.Join(cfg.Storage.Path, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %v", err)
	}

	orchCfg := orchestrator.Config{
		Mode:               mode,
		PollingInterval:    time.Duration(cfg.Uptane.PollingSec) * time.Second,
		PrimarySerial:      types.EcuSerial(cfg.Provision.PrimaryEcuSerial),
		RebootSentinelPath: filepath.Join(cfg.Bootloader.RebootSentinelDir, cfg.Bootloader.RebootSentinel),
	}
	orch := orchestrator.New(orchCfg, s, director, image, verifier, pm, secondaries, bus, keys, blobDir)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if mode != orchestrator.ModeFull {
		return orch.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
		orch.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}

func parseMode(s string) (orchestrator.Mode, error) {
	switch orchestrator.Mode(s) {
	case orchestrator.ModeFull, orchestrator.ModeOnce, orchestrator.ModeCheck, orchestrator.ModeDownload, orchestrator.ModeInstall:
		return orchestrator.Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// loadSecondaries dials every off-Primary ECU named in the device's
// secondary_config_file and wraps it as an IP-Uptane transport over
// mutual TLS.
func loadSecondaries(cfg *config.Config, keys *security.KeyManager) (map[types.EcuSerial]secondary.Secondary, error) {
	out := make(map[types.EcuSerial]secondary.Secondary)
	if cfg.Uptane.SecondaryConfigFile == "" {
		return out, nil
	}
	entries, err := config.LoadSecondaries(cfg.Uptane.SecondaryConfigFile)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[types.EcuSerial(e.Serial)] = secondary.NewIPUptane(e.Address, keys.ClientTLSConfig())
	}
	return out, nil
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision this device against the Director",
	Long: `provision reads the device's autoprov_credentials.p12 archive,
generates a fresh Uptane signing key for the device, and registers the
Primary ECU (Secondaries are not registered) with the Director's ECU
registration endpoint.`,
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().String("archive", "", "Path to the autoprov_credentials.p12.zip archive")
}

func runProvision(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	archivePath, _ := cmd.Flags().GetString("archive")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if archivePath == "" {
		archivePath = cfg.Provision.ProvisionPath
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open provisioning archive: %v", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat provisioning archive: %v", err)
	}

	archive, err := provision.ReadArchive(f, fi.Size())
	if err != nil {
		return fmt.Errorf("failed to read provisioning archive: %v", err)
	}

	s, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open trust store: %v", err)
	}
	defer s.Close()

	keys := security.NewKeyManager()
	if err := keys.GenerateUptaneKey(); err != nil {
		return fmt.Errorf("failed to generate uptane key: %v", err)
	}

	primary := types.EcuSerial(cfg.Provision.PrimaryEcuSerial)
	hwid := types.HardwareIdentifier(cfg.Provision.PrimaryEcuHardwareID)
	if err := s.PutECU(primary, hwid, true); err != nil {
		return fmt.Errorf("failed to record primary ecu: %v", err)
	}

	client := provision.NewClient(archive.URL)
	ecus := []provision.EcuEntry{{Serial: primary, HardwareIdentifier: hwid, ClientKey: keys.UptanePublicKey()}}
	if err := client.RegisterEcus(context.Background(), primary, ecus); err != nil {
		return fmt.Errorf("failed to register ecus: %v", err)
	}

	fmt.Printf("Provisioned primary ECU %s (%s) against %s\n", primary, hwid, archive.URL)
	return nil
}
