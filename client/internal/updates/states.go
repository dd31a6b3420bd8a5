package updates

import (
	"time"
)

// extraParamsState holds the parameters echoed with every update check
type extraParamsState struct {
	Params map[string]string `json:"params"`
}

func (s *extraParamsState) Name() string {
	return "extra_params"
}

// rollbackState holds the rollback point: remote updates committed at or before it are not launched
type rollbackState struct {
	CommitTime time.Time `json:"commit_time"`
}

func (s *rollbackState) Name() string {
	return "rollback"
}

// errorRecoveryState is left by a run whose launch failed. UpdateID is empty when the embedded bundle failed.
type errorRecoveryState struct {
	UpdateID string    `json:"update_id,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

func (s *errorRecoveryState) Name() string {
	return "error_recovery"
}
