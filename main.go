package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"directlink/config"
	"directlink/models"
	"directlink/network"
	"directlink/radio"
	"directlink/session"
	"directlink/ui"
	"directlink/wpa"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "directlink",
		Short:         "Wi-Fi Direct style peer sessions: discovery, groups, messages and files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newConfigCmd())
	return root
}

type runOptions struct {
	backend   string
	uiAddress string
	noShell   bool
	discover  bool
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the session coordinator with an intent shell on stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.backend, "backend", "", "radio backend: lan or wpa (default from config)")
	cmd.Flags().StringVar(&opts.uiAddress, "ui", "", `presentation feed address, "off" to disable (default from config)`)
	cmd.Flags().BoolVar(&opts.noShell, "no-shell", false, "do not read intents from stdin")
	cmd.Flags().BoolVar(&opts.discover, "discover", true, "start peer discovery once the radio is up")
	return cmd
}

func run(ctx context.Context, opts runOptions, in io.Reader, out io.Writer) error {
	out = &syncWriter{w: out}
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.backend != "" {
		backend := config.NormalizeBackend(opts.backend)
		if backend == "" {
			return fmt.Errorf("unknown backend %q", opts.backend)
		}
		cfg.Backend = backend
	}
	if opts.uiAddress != "" {
		cfg.UIAddress = opts.uiAddress
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o700); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	logger := log.Default()
	stack, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.Printf("radio close error: %v", err)
		}
	}()

	coord, err := session.New(session.Options{
		Stack:            stack,
		Requester:        session.NewStaticRequester(capabilities(cfg.GrantedCapabilities)...),
		ActivityCapacity: cfg.ActivityCapacity,
		Logger:           logger,
		Self:             selfInfo(cfg),
		QueueSize:        cfg.EventQueueSize,
		ConnectTimeout:   cfg.ConnectTimeout(),
		TransferTimeout:  cfg.TransferTimeout(),
		DiscoverOnStart:  opts.discover,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
	fmt.Fprintf(out, "Device Name:     %s\n", cfg.DeviceName)
	fmt.Fprintf(out, "Backend:         %s\n", cfg.Backend)
	fmt.Fprintf(out, "Config File:     %s\n", cfgPath)
	fmt.Fprintf(out, "Downloads:       %s\n", cfg.DownloadDir)

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if lan, ok := stack.(*network.Stack); ok {
		fmt.Fprintf(out, "Listening Port:  %d\n", lan.Port())
	}

	dispatcher := ui.NewDispatcher(coord, cfg.DownloadDir)
	if cfg.UIAddress != "" && cfg.UIAddress != "off" {
		feed := ui.NewServer(coord, dispatcher, logger)
		if err := feed.Start(cfg.UIAddress); err != nil {
			return fmt.Errorf("start ui feed: %w", err)
		}
		fmt.Fprintf(out, "UI Feed:         http://%s\n", feed.Addr())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := feed.Close(shutdownCtx); err != nil {
				log.Printf("ui close error: %v", err)
			}
		}()
	}

	fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")
	if !opts.noShell {
		go func() {
			if err := runShell(ctx, in, out, dispatcher); err != nil {
				log.Printf("shell: %v", err)
			}
		}()
	}

	<-ctx.Done()
	fmt.Fprintln(out, "Status:          shutting down")
	return nil
}

func newStack(cfg *config.DeviceConfig, logger *log.Logger) (radio.Stack, error) {
	if cfg.Backend == config.BackendWPA {
		stack, err := wpa.NewStack(wpa.Config{
			Interface:  cfg.WPAInterface,
			DeviceID:   cfg.DeviceID,
			DeviceName: cfg.DeviceName,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return stack, nil
	}
	stack, err := network.NewStack(network.Config{
		DeviceID:      cfg.DeviceID,
		DeviceName:    cfg.DeviceName,
		ListenAddress: listenAddress(cfg),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return stack, nil
}

// selfInfo seeds this device until the radio reports it. LAN peers know the
// device by its ID; the wpa radio reports its P2P MAC.
func selfInfo(cfg *config.DeviceConfig) models.DeviceInfo {
	self := models.DeviceInfo{Name: cfg.DeviceName, Status: models.PeerAvailable}
	if cfg.Backend != config.BackendWPA {
		self.Address = cfg.DeviceID
	}
	return self
}

func listenAddress(cfg *config.DeviceConfig) string {
	if cfg.PortMode == config.PortModeFixed && cfg.ListeningPort > 0 {
		return ":" + strconv.Itoa(cfg.ListeningPort)
	}
	return ":0"
}

func capabilities(names []string) []session.Capability {
	out := make([]session.Capability, 0, len(names))
	for _, name := range names {
		out = append(out, session.Capability(name))
	}
	return out
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the device configuration",
	}
	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the device configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if format == "path" {
				fmt.Fprintln(cmd.OutOrStdout(), filepath.Clean(cfgPath))
				return nil
			}
			return writeFormatted(cmd.OutOrStdout(), format, cfg)
		},
	}
	show.Flags().StringVarP(&format, "output", "o", "yaml", "output format: json, yaml or path")
	cmd.AddCommand(show)
	return cmd
}

var errUnknownFormat = errors.New("unknown output format")

// writeFormatted renders v as indented JSON or YAML.
func writeFormatted(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "json":
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	case "yaml", "":
		raw, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(raw)
		return err
	default:
		return fmt.Errorf("%w %q", errUnknownFormat, format)
	}
}
