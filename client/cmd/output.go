package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netbirdio/ota/client/internal/updates/loader"
)

type resultOutput struct {
	Type           string    `json:"type"`
	Reason         string    `json:"reason,omitempty"`
	UpdateID       string    `json:"updateId,omitempty"`
	CommitTime     time.Time `json:"commitTime,omitempty"`
	RuntimeVersion string    `json:"runtimeVersion,omitempty"`
	IsNew          bool      `json:"isNew,omitempty"`
}

func checkOutput(res loader.CheckResult) resultOutput {
	switch r := res.(type) {
	case loader.NoUpdateAvailable:
		return resultOutput{Type: "noUpdateAvailable", Reason: string(r.Reason)}
	case loader.UpdateAvailable:
		return resultOutput{Type: "updateAvailable", UpdateID: r.Manifest.ID, CommitTime: r.Manifest.CreatedAt, RuntimeVersion: r.Manifest.RuntimeVersion}
	case loader.RollBackToEmbedded:
		return resultOutput{Type: "rollBackToEmbedded", CommitTime: r.CommitTime}
	default:
		panic(fmt.Sprintf("unknown check result %T", res))
	}
}

func fetchOutput(res loader.FetchResult) resultOutput {
	switch r := res.(type) {
	case loader.FetchSuccess:
		return resultOutput{Type: "success", UpdateID: r.Update.ID, CommitTime: r.Update.CommitTime, RuntimeVersion: r.Update.RuntimeVersion, IsNew: r.IsNew}
	case loader.FetchFailure:
		return resultOutput{Type: "failure", Reason: string(r.Reason)}
	case loader.FetchRollBackToEmbedded:
		return resultOutput{Type: "rollBackToEmbedded", CommitTime: r.CommitTime}
	default:
		panic(fmt.Sprintf("unknown fetch result %T", res))
	}
}

type snapshotOutput struct {
	State              string     `json:"state"`
	Sequence           int        `json:"sequence"`
	IsUpdateAvailable  bool       `json:"isUpdateAvailable"`
	LatestUpdateID     string     `json:"latestUpdateId,omitempty"`
	DownloadedUpdateID string     `json:"downloadedUpdateId,omitempty"`
	RollbackCommitTime *time.Time `json:"rollbackCommitTime,omitempty"`
	NoUpdateReason     string     `json:"noUpdateReason,omitempty"`
	LastCheckTime      time.Time  `json:"lastCheckTime"`
	LastError          string     `json:"lastError,omitempty"`
}

func snapshotToOutput(s loader.Snapshot) snapshotOutput {
	out := snapshotOutput{
		State:              s.State.String(),
		Sequence:           s.Sequence,
		IsUpdateAvailable:  s.IsUpdateAvailable,
		DownloadedUpdateID: s.DownloadedUpdateID,
		RollbackCommitTime: s.RollbackCommitTime,
		NoUpdateReason:     string(s.NoUpdateReason),
		LastCheckTime:      s.LastCheckTime,
		LastError:          s.LastError,
	}
	if s.LatestManifest != nil {
		out.LatestUpdateID = s.LatestManifest.ID
	}
	return out
}

func printJSON(cmd *cobra.Command, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	cmd.Println(string(bs))
	return nil
}
