package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// commandHost relaunches by running an external command with the new launch asset
type commandHost struct {
	command string
}

func (h *commandHost) Relaunch(ctx context.Context, launchAsset string) error {
	cmd := exec.CommandContext(ctx, h.command, launchAsset)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.Infof("relaunching with %s %s", h.command, launchAsset)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", h.command, err)
	}
	return nil
}
