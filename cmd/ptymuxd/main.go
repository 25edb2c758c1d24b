package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ptymux/ptymuxd/internal/config"
	"github.com/ptymux/ptymuxd/internal/session"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ptymuxd",
		Short: "Channel-based terminal multiplexer daemon",
		Long:  "ptymuxd is a daemon that manages named PTY channels behind a local socket, shared by every client attached to a session.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ptymuxd version %s\n", version)
		},
	}

	var socketPath string
	var sessionName string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon and listen on its session socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if socketPath != "" {
				cfg.Daemon.SocketPath = socketPath
			}
			if sessionName != "" {
				cfg.Daemon.SessionName = sessionName
			}

			if err := cfg.EnsureSocketDir(); err != nil {
				return fmt.Errorf("create socket directory: %w", err)
			}

			mgr := session.NewManagerWithCapacity(cfg.Limits.EventChanCapacity)
			listener := session.NewListenerWithOptions(
				cfg.Daemon.SocketPath,
				cfg.Daemon.SessionName,
				mgr,
				session.ChannelDefaults{
					Shell:      cfg.Channel.Shell,
					WorkingDir: cfg.Channel.WorkingDir,
					Cols:       uint16(cfg.Channel.Cols),
					Rows:       uint16(cfg.Channel.Rows),
				},
				cfg.Limits.ClientMailboxCap,
				cfg.Limits.ReplayBufferChunks,
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\nshutting down...")
				listener.Shutdown()
			}()

			fmt.Printf("listening on %s (session %q)\n", cfg.Daemon.SocketPath, cfg.Daemon.SessionName)
			return listener.Run()
		},
	}

	serveCmd.Flags().StringVar(&socketPath, "socket", "", "socket path (default from config)")
	serveCmd.Flags().StringVar(&sessionName, "session", "", "session name (default from config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
