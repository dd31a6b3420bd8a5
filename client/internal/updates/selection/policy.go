// Package selection decides which update to launch among compatible candidates.
// Every function is pure: identical inputs always yield the same winner.
package selection

import (
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/netbirdio/ota/client/internal/updates/store"
)

// Filters restricts candidates to those built for the running configuration
type Filters struct {
	RuntimeVersion string
	// Channel is the configured rollout channel; empty accepts every channel
	Channel string
}

// Matches reports whether u may run under the filters
func (f Filters) Matches(u *store.Update) bool {
	if u == nil {
		return false
	}
	if !RuntimeVersionsMatch(f.RuntimeVersion, u.RuntimeVersion) {
		return false
	}
	if f.Channel != "" && u.Channel != "" && u.Channel != f.Channel {
		return false
	}
	return true
}

// RuntimeVersionsMatch compares two runtime version tags. Tags that both parse as versions
// compare by value, so "1.0" matches "1.0.0"; any other tag must match exactly.
func RuntimeVersionsMatch(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return a != ""
	}

	va, errA := goversion.NewVersion(a)
	vb, errB := goversion.NewVersion(b)
	if errA != nil || errB != nil {
		return false
	}
	return va.Equal(vb)
}

// Policy is the selection policy of the running configuration
type Policy struct {
	Filters Filters
	// Rollback is the rollback point recorded from the last rollback directive.
	// Remote updates committed at or before it are not launched.
	Rollback *time.Time
}

// NewPolicy returns a policy for the given filters and optional rollback point
func NewPolicy(filters Filters, rollback *time.Time) Policy {
	return Policy{Filters: filters, Rollback: rollback}
}

// IsCandidate reports whether u may be launched at all. The embedded update is always a candidate.
func (p Policy) IsCandidate(u *store.Update) bool {
	if u == nil {
		return false
	}
	if u.IsEmbedded() {
		return true
	}
	if u.Status != store.StatusReady {
		return false
	}
	if !p.Filters.Matches(u) {
		return false
	}
	if p.Rollback != nil && !u.CommitTime.After(*p.Rollback) {
		return false
	}
	return true
}

// SelectUpdateToLaunch picks the candidate with the latest commit time. Ties prefer launched when
// it is among the tied updates, otherwise the first in input order. When no remote candidate
// qualifies the embedded update present in candidates is returned; nil means there is nothing
// to launch.
func (p Policy) SelectUpdateToLaunch(candidates []*store.Update, launched *store.Update) *store.Update {
	var best *store.Update
	var embedded *store.Update

	for _, u := range candidates {
		if u.IsEmbedded() && embedded == nil {
			embedded = u
		}
		if !p.IsCandidate(u) {
			continue
		}
		switch {
		case best == nil:
			best = u
		case u.CommitTime.After(best.CommitTime):
			best = u
		case u.CommitTime.Equal(best.CommitTime):
			if launched != nil && u.ID == launched.ID && best.ID != launched.ID {
				best = u
			}
		}
	}

	if best == nil {
		return embedded
	}
	return best
}

// ShouldLoadNewUpdate reports whether a freshly announced remote update beats the launched one
func (p Policy) ShouldLoadNewUpdate(newUpdate, launched *store.Update) bool {
	if newUpdate == nil || !p.Filters.Matches(newUpdate) {
		return false
	}
	if p.Rollback != nil && !newUpdate.CommitTime.After(*p.Rollback) {
		return false
	}
	if launched == nil {
		return true
	}
	return newUpdate.CommitTime.After(launched.CommitTime)
}

// ShouldLoadRollBack reports whether a rollback directive committed at directiveTime changes
// anything. It is rejected only when the embedded update is already launched because of a
// rollback recorded at or after directiveTime.
func (p Policy) ShouldLoadRollBack(directiveTime time.Time, embedded, launched *store.Update) bool {
	if embedded == nil {
		return false
	}
	if launched == nil || launched.ID != embedded.ID {
		return true
	}
	return p.Rollback == nil || directiveTime.After(*p.Rollback)
}

// RollbackPoint returns the point after which remote updates are launched again once a
// rollback directive committed at directiveTime is accepted. It is never earlier than the
// newest compatible cached update, so no cached update outlives the rollback.
func (p Policy) RollbackPoint(directiveTime time.Time, cached []*store.Update) time.Time {
	point := directiveTime.UTC()
	for _, u := range cached {
		if u.IsEmbedded() || !p.Filters.Matches(u) {
			continue
		}
		if u.CommitTime.After(point) {
			point = u.CommitTime.UTC()
		}
	}
	return point
}

// UpdatesToDelete returns the updates the reaper may remove once launched is running:
// every update committed before launched except the newest launchable one among them,
// kept as a fallback. Newer updates and launched itself are kept.
func (p Policy) UpdatesToDelete(updates []*store.Update, launched *store.Update) []*store.Update {
	if launched == nil {
		return nil
	}

	var older []*store.Update
	var fallback *store.Update
	for _, u := range updates {
		if u.IsEmbedded() || u.ID == launched.ID || !u.CommitTime.Before(launched.CommitTime) {
			continue
		}
		older = append(older, u)
		if u.Status == store.StatusReady && (fallback == nil || u.CommitTime.After(fallback.CommitTime)) {
			fallback = u
		}
	}

	toDelete := make([]*store.Update, 0, len(older))
	for _, u := range older {
		if fallback != nil && u.ID == fallback.ID {
			continue
		}
		toDelete = append(toDelete, u)
	}
	return toDelete
}
