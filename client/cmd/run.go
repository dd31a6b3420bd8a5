package cmd

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/ota/client/internal/updates"
	"github.com/netbirdio/ota/client/internal/updates/loader"
)

var (
	confirmLaunch bool
	keepRunning   bool
	checkInterval time.Duration
	launchTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "resolves the bundle to launch and optionally keeps checking for updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		c, stop, err := startController(ctx)
		if err != nil {
			return err
		}
		defer stop()

		launchCtx, launchCancel := context.WithTimeout(ctx, launchTimeout)
		launchAsset, err := c.LaunchAssetFile(launchCtx)
		launchCancel()
		if err != nil {
			return fmt.Errorf("resolve launch: %w", err)
		}

		consts := c.Constants()
		if launchAsset == "" {
			cmd.Printf("Launching embedded bundle %s\n", c.BundleAssetName())
		} else {
			cmd.Printf("Launching %s\n", launchAsset)
		}
		if consts.IsEmergencyLaunch {
			cmd.Printf("Emergency launch: %s\n", consts.EmergencyLaunchReason)
		}

		if confirmLaunch {
			if err := c.MarkLaunchSuccessful(ctx); err != nil {
				return fmt.Errorf("confirm launch: %w", err)
			}
		}

		if !keepRunning {
			return nil
		}

		if checkInterval <= 0 {
			<-ctx.Done()
			return nil
		}

		fetchPeriodically(ctx, checkInterval, c.FetchUpdate)
		return nil
	},
}

// fetchPeriodically runs fetch every interval until ctx ends. A tick while a fetch runs is skipped.
func fetchPeriodically(ctx context.Context, interval time.Duration, fetch func(context.Context) (loader.FetchResult, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending <-chan updates.Result[loader.FetchResult]
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pending == nil {
				pending = updates.Go(ctx, fetch)
			}
		case res := <-pending:
			pending = nil
			if res.Err != nil {
				log.Warnf("periodic update fetch failed: %v", res.Err)
				continue
			}
			out := fetchOutput(res.Value)
			log.Infof("periodic update fetch: %s %s%s", out.Type, out.UpdateID, out.Reason)
		}
	}
}

func init() {
	runCmd.Flags().BoolVar(&confirmLaunch, "confirm", true, "mark the launch successful once it is resolved. Use --confirm=false when the host confirms later")
	runCmd.Flags().BoolVar(&keepRunning, "wait", false, "keep running until interrupted")
	runCmd.Flags().DurationVar(&checkInterval, "check-interval", 0, "fetch updates periodically while waiting, e.g. 1h. Disabled when 0")
	runCmd.Flags().DurationVar(&launchTimeout, "launch-timeout", time.Minute, "how long to wait for the launch to be resolved")
}
