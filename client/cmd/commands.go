package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netbirdio/ota/util"
	"github.com/netbirdio/ota/version"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "prints the launched update and the active configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		c, stop, err := startController(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		if _, err := c.LaunchAssetFile(cmd.Context()); err != nil {
			return fmt.Errorf("resolve launch: %w", err)
		}
		return printJSON(cmd, c.Constants())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "asks the update server for a newer update without downloading it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		c, stop, err := startController(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		res, err := c.CheckForUpdate(cmd.Context())
		if err != nil {
			return fmt.Errorf("check for update: %w", err)
		}
		return printJSON(cmd, checkOutput(res))
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "downloads the newest accepted update so the next launch uses it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		c, stop, err := startController(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		res, err := c.FetchUpdate(cmd.Context())
		if err != nil {
			return fmt.Errorf("fetch update: %w", err)
		}
		return printJSON(cmd, fetchOutput(res))
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "prints the loader state machine after the launch check",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		c, stop, err := startController(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		if _, err := c.LaunchAssetFile(cmd.Context()); err != nil {
			return fmt.Errorf("resolve launch: %w", err)
		}
		snapshot, err := c.StateMachineSnapshot()
		if err != nil {
			return err
		}
		return printJSON(cmd, snapshotToOutput(snapshot))
	},
}

var relaunchCmd = &cobra.Command{
	Use:   "relaunch",
	Short: "runs the relaunch command with the newest launchable update",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		c, stop, err := startController(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		return c.Relaunch(cmd.Context())
	},
}

var reportFailureCmd = &cobra.Command{
	Use:   "report-failure",
	Short: "marks the update that would be launched as failed so it is not launched again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		c, stop, err := startController(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		if _, err := c.LaunchAssetFile(cmd.Context()); err != nil {
			return fmt.Errorf("resolve launch: %w", err)
		}
		if err := c.MarkLaunchFailed(cmd.Context()); err != nil {
			return err
		}

		if u := c.Constants().LaunchedUpdate; u != nil {
			cmd.Printf("Reported failed launch of update %s\n", u.ID)
		}
		return nil
	},
}

var extraParamsCmd = &cobra.Command{
	Use:   "extra-params",
	Short: "manages the extra parameters sent with every update check",
}

var extraParamsListCmd = &cobra.Command{
	Use:   "list",
	Short: "lists extra parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		c, stop, err := startController(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		params, err := c.ExtraParams(cmd.Context())
		if err != nil {
			return err
		}

		for _, k := range util.SortedKeys(params) {
			cmd.Printf("%s=%s\n", k, params[k])
		}
		return nil
	},
}

var extraParamsSetCmd = &cobra.Command{
	Use:   "set KEY=VALUE...",
	Short: "sets extra parameters",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		pairs, err := parseParams(args)
		if err != nil {
			return err
		}

		c, stop, err := startController(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		for _, p := range pairs {
			if err := c.SetExtraParam(cmd.Context(), p[0], &p[1]); err != nil {
				return err
			}
		}
		return nil
	},
}

var extraParamsUnsetCmd = &cobra.Command{
	Use:   "unset KEY...",
	Short: "removes extra parameters",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepare(cmd); err != nil {
			return err
		}

		c, stop, err := startController(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		for _, key := range args {
			if err := c.SetExtraParam(cmd.Context(), key, nil); err != nil {
				return err
			}
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints the client version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SetOut(cmd.OutOrStdout())
		cmd.Println(version.ClientVersion())
	},
}

// parseParams splits KEY=VALUE arguments
func parseParams(args []string) ([][2]string, error) {
	pairs := make([][2]string, 0, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected KEY=VALUE", arg)
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs, nil
}
