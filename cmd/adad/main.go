// Ada daemon - manages PTY-backed AI coding agent sessions on behalf of
// local GUI/CLI clients.
//
// This is the entry point for adad. It bootstraps the daemon home
// directories, starts the hook-notification endpoint and the IPC control
// plane, recovers any sessions persisted by a previous run, and then
// serves until a signal or a shutdown request arrives.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/segun-io/ada/internal/eventbus"
	"github.com/segun-io/ada/internal/ipc"
	"github.com/segun-io/ada/internal/logging"
	"github.com/segun-io/ada/internal/notifyhttp"
	"github.com/segun-io/ada/internal/runtimeconfig"
	"github.com/segun-io/ada/internal/sessionmgr"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "adad",
		Short:   "Session daemon for PTY-backed AI coding agents",
		Version: Version,
		RunE:    runDaemon,
	}
	rootCmd.Flags().Bool("foreground", false, "Mirror logs to stderr in addition to the log file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if foreground, _ := cmd.Flags().GetBool("foreground"); foreground {
		os.Setenv("ADA_LOG_STDERR", "1")
	}

	cfg, err := runtimeconfig.Load(nil)
	if err != nil {
		return fmt.Errorf("load runtime config: %w", err)
	}

	logger, err := logging.Setup(cfg.AdaHome)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	logger.Info("starting ada daemon", "version", Version, "ada_home", cfg.AdaHome, "data_dir", cfg.DataDir)

	bus := eventbus.New(logger)

	notify := notifyhttp.New(bus, logger)
	notificationPort, err := notify.Start()
	if err != nil {
		return fmt.Errorf("start notification endpoint: %w", err)
	}
	defer notify.Close()
	cfg.NotificationPort = notificationPort

	mgr, err := sessionmgr.New(cfg.DataDir, cfg.AdaHome, bus, notificationPort, cfg.ShellOverride(), logger)
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}

	shutdownRequested := make(chan struct{})
	var shutdownOnce sync.Once
	server := ipc.New(mgr, bus, cfg, Version, logger, func() {
		shutdownOnce.Do(func() { close(shutdownRequested) })
	})
	daemonPort, err := server.Start()
	if err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	defer server.Close()
	cfg.DaemonPort = daemonPort

	if err := ipc.PublishDiscovery(cfg.DataDir, daemonPort); err != nil {
		return fmt.Errorf("publish discovery files: %w", err)
	}

	go mirrorAgentStatus(bus, mgr)

	logger.Info("ada daemon ready", "ipc_port", daemonPort, "notification_port", notificationPort, "pid", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case <-shutdownRequested:
		logger.Info("shutdown requested over ipc")
	}
	return nil
}

// mirrorAgentStatus keeps each session record's agent_status in step with
// the hook-derived events the notification endpoint publishes, so
// list_sessions reflects the latest state a hook reported.
func mirrorAgentStatus(bus *eventbus.Bus, mgr *sessionmgr.Manager) {
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	for ev := range sub.Events() {
		if ev.Type != eventbus.EventAgentStatus || ev.AgentStatus == nil {
			continue
		}
		mgr.UpdateAgentStatus(ev.AgentStatus.TerminalID, sessionmgr.AgentStatus(ev.AgentStatus.Status))
	}
}
