package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/ota/client/internal/updates"
	"github.com/netbirdio/ota/shared/metrics"
	"github.com/netbirdio/ota/util"
)

var (
	configPath        string
	defaultConfigPath string
	updatesDir        string
	defaultUpdatesDir string
	embeddedDir       string
	logLevel          string
	logFile           string
	overrides         map[string]string
	metricsAddr       string
	relaunchCommand   string
	assumeWiFi        bool
	rootCmd           = &cobra.Command{
		Use:          "ota",
		Short:        "over-the-air update client",
		Long:         "ota checks a remote update server, downloads verified updates and picks the bundle to launch.",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultConfigPath = "/etc/ota/config.json"
	defaultUpdatesDir = "/var/lib/ota/updates"
	if runtime.GOOS == "windows" {
		defaultConfigPath = os.Getenv("PROGRAMDATA") + "\\OTA\\config.json"
		defaultUpdatesDir = os.Getenv("PROGRAMDATA") + "\\OTA\\updates"
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "updates configuration defaults file, JSON or YAML")
	rootCmd.PersistentFlags().StringVarP(&updatesDir, "updates-dir", "d", defaultUpdatesDir, "directory holding the update database and downloaded assets")
	rootCmd.PersistentFlags().StringVarP(&embeddedDir, "embedded-dir", "e", "", "directory of the installed package holding the embedded manifest and bundle")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets the log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", util.LogConsole, "sets the log path. If console is specified the log will be output to stderr")
	rootCmd.PersistentFlags().StringToStringVarP(&overrides, "set", "s", nil, "configuration overrides, e.g. --set channel=beta,checkOnLaunch=NEVER")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9090. Disabled when empty")
	rootCmd.PersistentFlags().StringVar(&relaunchCommand, "relaunch-command", "", "command run with the launch asset as its only argument when relaunching")
	rootCmd.PersistentFlags().BoolVar(&assumeWiFi, "wifi", false, "treat the network as Wi-Fi for the WIFI_ONLY check policy")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(relaunchCmd)
	rootCmd.AddCommand(reportFailureCmd)
	rootCmd.AddCommand(extraParamsCmd)
	rootCmd.AddCommand(versionCmd)

	extraParamsCmd.AddCommand(extraParamsListCmd, extraParamsSetCmd, extraParamsUnsetCmd)
}

// SetupCloseHandler cancels ctx on SIGINT or SIGTERM
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case <-termCh:
			log.Info("shutdown signal received")
		}
		cancel()
	}()
}

// prepare initializes logging and flags shared by every command
func prepare(cmd *cobra.Command) error {
	util.SetFlagsFromEnvVars(rootCmd)
	cmd.SetOut(cmd.OutOrStdout())

	if err := util.InitLog(logLevel, logFile); err != nil {
		return fmt.Errorf("failed initializing log %v", err)
	}
	return nil
}

// controllerOptions builds the updates options from the defaults file and the command line
func controllerOptions() (updates.Options, error) {
	opts := updates.Options{
		UpdatesDirectory: updatesDir,
		Overrides:        overridesMap(overrides),
		Connectivity:     staticConnectivity(assumeWiFi),
	}

	if configPath != "" && util.FileExists(configPath) {
		defaults, err := util.ReadConfigFile(configPath)
		if err != nil {
			return opts, fmt.Errorf("read config %s: %w", configPath, err)
		}
		opts.Defaults = defaults
	} else {
		log.Debugf("no config file at %s, using overrides only", configPath)
	}

	if embeddedDir != "" {
		opts.EmbeddedFS = os.DirFS(embeddedDir)
	}

	if relaunchCommand != "" {
		opts.Host = &commandHost{command: relaunchCommand}
	}

	return opts, nil
}

func overridesMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for _, k := range util.SortedKeys(in) {
		out[k] = in[k]
	}
	return out
}

// startController creates and starts the process controller, serving metrics when requested.
// The returned stop function releases both.
func startController(ctx context.Context) (*updates.Controller, func(), error) {
	opts, err := controllerOptions()
	if err != nil {
		return nil, nil, err
	}

	var srv *metrics.Metrics
	if metricsAddr != "" {
		srv, err = metrics.NewServer(metricsAddr, "")
		if err != nil {
			return nil, nil, fmt.Errorf("metrics: %w", err)
		}
		if err := srv.Start(); err != nil {
			return nil, nil, fmt.Errorf("metrics: %w", err)
		}
		opts.Meter = srv.Meter
	}

	c := updates.Initialize(ctx, opts)
	c.Start(ctx)

	stop := func() {
		if err := c.Stop(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("failed to stop updates controller: %v", err)
		}
		if srv != nil {
			if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
				log.Warnf("failed to stop metrics server: %v", err)
			}
		}
	}
	return c, stop, nil
}

type staticConnectivity bool

func (w staticConnectivity) IsOnWiFi() bool {
	return bool(w)
}
