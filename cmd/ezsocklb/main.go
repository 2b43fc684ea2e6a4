package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/ezsocklb/pkg/config"
	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"github.com/easzlab/ezsocklb/pkg/redirect"
	"github.com/easzlab/ezsocklb/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ezsocklb",
		Short: "ezsocklb - connection-time socket load balancer",
		Long:  "A socket level load balancer that redirects connect() calls to virtual services onto their backends, driven by a declarative config.",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")

	rootCmd.AddCommand(newOnceCommand())
	rootCmd.AddCommand(newDecideCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single reconcile pass and exit",
		RunE:  runOnce,
	}
}

func newDecideCommand() *cobra.Command {
	var (
		protocol string
		connect  bool
	)
	cmd := &cobra.Command{
		Use:   "decide <ip:port>",
		Short: "Show the verdict for a connection to the given destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(args[0], protocol, connect)
		},
	}
	cmd.Flags().StringVarP(&protocol, "protocol", "p", "tcp", "transport protocol (tcp or udp)")
	cmd.Flags().BoolVar(&connect, "connect", false, "also connect through the engine and report the peer")
	return cmd
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove all table entries and unpin the BPF tables",
		RunE:  runCleanup,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ezsocklb version %s\n", version)
		},
	}
}

// runDaemon starts the server in daemon mode with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger := newLogger(level)
	defer logger.Sync()

	logger.Info("starting ezsocklb",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, logger, server.WithLogLevel(&level))
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx)
}

// runOnce performs a single reconcile pass and exits.
func runOnce(cmd *cobra.Command, args []string) error {
	logger := newLogger(zap.NewAtomicLevelAt(zap.InfoLevel))
	defer logger.Sync()

	logger.Info("running single reconcile",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.RunOnce()
}

// runCleanup empties the tables and removes the pins.
func runCleanup(cmd *cobra.Command, args []string) error {
	logger := newLogger(zap.NewAtomicLevelAt(zap.InfoLevel))
	defer logger.Sync()

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Cleanup()
}

// runDecide prints the verdict for one destination and, with connect,
// dials it through the engine.
func runDecide(destination, protocol string, connect bool) error {
	req, err := parseRequest(destination, protocol)
	if err != nil {
		return err
	}

	logger := newLogger(zap.NewAtomicLevelAt(zap.WarnLevel))
	defer logger.Sync()

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	if !connect {
		verdict, err := srv.Decide(req)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", req, verdict)
		return nil
	}

	// The verdict printed is the one the dial applied.
	conn, verdict, decided, err := srv.Connect(context.Background(), protocol, destination)
	if decided {
		fmt.Printf("%s: %s\n", req, verdict)
	}
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()
	fmt.Printf("connected to %s\n", conn.RemoteAddr())
	return nil
}

func parseRequest(destination, protocol string) (redirect.Request, error) {
	ap, err := netip.ParseAddrPort(destination)
	if err != nil {
		return redirect.Request{}, fmt.Errorf("invalid destination %q: %w", destination, err)
	}
	address, err := lbmap.IPv4From(ap.Addr())
	if err != nil {
		return redirect.Request{}, fmt.Errorf("invalid destination %q: %w", destination, err)
	}
	proto, err := lbmap.ParseProtocol(protocol)
	if err != nil {
		return redirect.Request{}, err
	}
	return redirect.Request{Address: address, Port: ap.Port(), Protocol: proto}, nil
}

// newLogger creates a production zap logger with console encoding for readability.
func newLogger(level zap.AtomicLevel) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
