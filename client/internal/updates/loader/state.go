package loader

import (
	"fmt"
	"time"

	"github.com/netbirdio/ota/client/internal/updates/manifest"
	"github.com/netbirdio/ota/client/internal/updates/store"
)

// State of the loader state machine
type State int

const (
	StateIdle State = iota
	StateChecking
	StateNoUpdate
	StateDownloading
	StateReady
	StateRollbackToEmbedded
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateNoUpdate:
		return "noUpdate"
	case StateDownloading:
		return "downloading"
	case StateReady:
		return "ready"
	case StateRollbackToEmbedded:
		return "rollbackToEmbedded"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal states end a run; the next run starts over with checking
func (s State) Terminal() bool {
	switch s {
	case StateNoUpdate, StateReady, StateRollbackToEmbedded, StateError:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateIdle:        {StateChecking},
	StateChecking:    {StateIdle, StateNoUpdate, StateDownloading, StateRollbackToEmbedded, StateError},
	StateDownloading: {StateReady, StateError},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return to == StateChecking
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NoUpdateReason tells why a check found nothing to download
type NoUpdateReason string

const (
	ReasonNoUpdateAvailableOnServer         NoUpdateReason = "noUpdateAvailableOnServer"
	ReasonUpdateRejectedBySelectionPolicy   NoUpdateReason = "updateRejectedBySelectionPolicy"
	ReasonUpdatePreviouslyFailed            NoUpdateReason = "updatePreviouslyFailed"
	ReasonRollbackRejectedBySelectionPolicy NoUpdateReason = "rollbackRejectedBySelectionPolicy"
	ReasonRollbackNoEmbedded                NoUpdateReason = "rollbackNoEmbedded"
)

// CheckResult is one of NoUpdateAvailable, UpdateAvailable or RollBackToEmbedded
type CheckResult interface {
	isCheckResult()
}

// NoUpdateAvailable means the server offers nothing better than what runs now
type NoUpdateAvailable struct {
	Reason NoUpdateReason
}

// UpdateAvailable carries the update the server offers and the selection policy accepts
type UpdateAvailable struct {
	Manifest *manifest.Manifest
}

// RollBackToEmbedded means the server asks to run the embedded update
type RollBackToEmbedded struct {
	CommitTime time.Time
}

func (NoUpdateAvailable) isCheckResult()  {}
func (UpdateAvailable) isCheckResult()    {}
func (RollBackToEmbedded) isCheckResult() {}

// FetchResult is one of FetchSuccess, FetchFailure or FetchRollBackToEmbedded
type FetchResult interface {
	isFetchResult()
}

// FetchSuccess carries the update now ready to launch. IsNew is false when it was already stored.
type FetchSuccess struct {
	Update *store.Update
	IsNew  bool
}

// FetchFailure means there was nothing to fetch; the store was not written
type FetchFailure struct {
	Reason NoUpdateReason
}

// FetchRollBackToEmbedded means the rollback was recorded and the embedded update wins the next launch
type FetchRollBackToEmbedded struct {
	CommitTime time.Time
}

func (FetchSuccess) isFetchResult()            {}
func (FetchFailure) isFetchResult()            {}
func (FetchRollBackToEmbedded) isFetchResult() {}

// Snapshot is a read-only view of the loader for observers
type Snapshot struct {
	State State
	// Sequence grows by one with every transition
	Sequence int
	// IsUpdateAvailable is set when the last check found an update that was not fetched yet
	IsUpdateAvailable bool
	LatestManifest    *manifest.Manifest
	// DownloadedUpdateID is the update the last successful fetch made ready
	DownloadedUpdateID string
	RollbackCommitTime *time.Time
	NoUpdateReason     NoUpdateReason
	LastCheckTime      time.Time
	LastError          string
}
