package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/uptane-agent/pkg/log"
	"github.com/cuemby/uptane-agent/pkg/pacman"
	"github.com/cuemby/uptane-agent/pkg/secondary"
	"github.com/cuemby/uptane-agent/pkg/security"
	"github.com/cuemby/uptane-agent/pkg/types"
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
	Use:   "uptane-secondaryd",
	Short: "uptane-secondaryd - a standalone IP-Uptane Secondary ECU",
	Long: `uptane-secondaryd answers the IP-Uptane capability set (public key,
metadata delivery, firmware delivery, manifest, root rotation) over a
mutually authenticated TLS connection, installing firmware through a
local package manager and announcing itself to Primaries via UDP
discovery.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"uptane-secondaryd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the IP-Uptane capability set",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("serial", "", "This ECU's serial (required)")
	serveCmd.Flags().String("hardware-id", "", "This ECU's hardware identifier (required)")
	serveCmd.Flags().String("listen", ":30001", "Address to accept IP-Uptane connections on")
	serveCmd.Flags().String("discovery-addr", ":30000", "Address to answer UDP discovery broadcasts on")
	serveCmd.Flags().String("ca", "", "Path to the mTLS CA certificate (required)")
	serveCmd.Flags().String("cert", "", "Path to this ECU's TLS certificate (required)")
	serveCmd.Flags().String("key", "", "Path to this ECU's TLS private key (required)")
	serveCmd.Flags().String("pacman", "fake", "Package manager backend: fake, none, ostree, debian, docker-compose")
	serveCmd.Flags().String("data-dir", "/var/lib/uptane-secondaryd", "Directory for staged firmware blobs")
	serveCmd.Flags().String("ostree-sysroot", "", "ostree sysroot, for --pacman=ostree")
}

func runServe(cmd *cobra.Command, args []string) error {
	serial, _ := cmd.Flags().GetString("serial")
	hwid, _ := cmd.Flags().GetString("hardware-id")
	listenAddr, _ := cmd.Flags().GetString("listen")
	discoveryAddr, _ := cmd.Flags().GetString("discovery-addr")
	caPath, _ := cmd.Flags().GetString("ca")
	certPath, _ := cmd.Flags().GetString("cert")
	keyPath, _ := cmd.Flags().GetString("key")
	pmTag, _ := cmd.Flags().GetString("pacman")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	ostreeSysroot, _ := cmd.Flags().GetString("ostree-sysroot")

	if serial == "" || hwid == "" {
		return fmt.Errorf("--serial and --hardware-id are required")
	}

	tlsConfig, err := loadServerTLS(caPath, certPath, keyPath)
	if err != nil {
		return fmt.Errorf("failed to load tls credentials: %v", err)
	}

	pm, err := pacman.New(pmTag, pacman.Config{OSTreeSysroot: ostreeSysroot})
	if err != nil {
		return fmt.Errorf("failed to initialize package manager %q: %v", pmTag, err)
	}

	idKeys := security.NewKeyManager()
	if err := idKeys.GenerateUptaneKey(); err != nil {
		return fmt.Errorf("failed to generate ecu identity key: %v", err)
	}

	backend := secondary.NewPacmanBacked(types.EcuSerial(serial), types.HardwareIdentifier(hwid), idKeys.UptanePublicKey(), pm, dataDir)
	handler := &secondary.Handler{Backend: backend}

	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return fmt.Errorf("failed to parse --listen: %v", err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("failed to parse port from --listen: %v", err)
	}

	responder := secondary.NewDiscoveryResponder(types.EcuSerial(serial), types.HardwareIdentifier(hwid), port)
	go func() {
		if err := responder.Serve(discoveryAddr); err != nil {
			log.Logger.Error().Err(err).Msg("discovery responder stopped")
		}
	}()
	log.Logger.Info().Str("addr", discoveryAddr).Msg("discovery responder started")

	ln, err := tls.Listen("tcp", listenAddr, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", listenAddr, err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler.Serve(ctx, conn)
		}
	}()
	log.Logger.Info().Str("addr", listenAddr).Str("serial", serial).Str("pacman", pmTag).Msg("secondary serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutting down")
	return nil
}

func loadServerTLS(caPath, certPath, keyPath string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse ca pem")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tls keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
