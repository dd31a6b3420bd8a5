package selection

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/netbirdio/ota/client/internal/updates/store"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func at(h int) time.Time {
	return t0.Add(time.Duration(h) * time.Hour)
}

func ready(id string, commit time.Time, runtime, channel string) *store.Update {
	return &store.Update{ID: id, CommitTime: commit, RuntimeVersion: runtime, Channel: channel, Status: store.StatusReady}
}

func embedded(commit time.Time) *store.Update {
	return &store.Update{ID: "embedded", CommitTime: commit, RuntimeVersion: "1.0.0", Status: store.StatusEmbedded}
}

func ids(updates []*store.Update) []string {
	out := make([]string, 0, len(updates))
	for _, u := range updates {
		out = append(out, u.ID)
	}
	return out
}

func TestRuntimeVersionsMatch(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.0.0", "1.0.0", true},
		{"1.0", "1.0.0", true},
		{"1.0.0", "1.0.1", false},
		{"exposdk:50.0.0", "exposdk:50.0.0", true},
		{"exposdk:50.0.0", "exposdk:51.0.0", false},
		{"", "", false},
		{"1.0.0", "", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RuntimeVersionsMatch(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestFilters_Matches(t *testing.T) {
	f := Filters{RuntimeVersion: "1.0.0", Channel: "production"}

	assert.True(t, f.Matches(ready("a", t0, "1.0.0", "production")))
	assert.True(t, f.Matches(ready("b", t0, "1.0.0", "")), "unscoped updates match every channel")
	assert.False(t, f.Matches(ready("c", t0, "1.0.0", "staging")))
	assert.False(t, f.Matches(ready("d", t0, "2.0.0", "production")))
	assert.False(t, f.Matches(nil))

	assert.True(t, Filters{RuntimeVersion: "1.0.0"}.Matches(ready("e", t0, "1.0.0", "staging")), "empty channel accepts all")
}

func TestSelectUpdateToLaunch(t *testing.T) {
	filters := Filters{RuntimeVersion: "1.0.0", Channel: "production"}
	emb := embedded(at(-10))

	tests := []struct {
		name       string
		candidates []*store.Update
		launched   *store.Update
		rollback   *time.Time
		want       string
	}{
		{
			name: "latest commit wins",
			candidates: []*store.Update{
				emb,
				ready("t1", at(1), "1.0.0", "production"),
				ready("t3", at(3), "1.0.0", "production"),
				ready("t2", at(2), "1.0.0", "production"),
			},
			want: "t3",
		},
		{
			name: "incompatible candidates are filtered out",
			candidates: []*store.Update{
				emb,
				ready("old", at(1), "1.0.0", "production"),
				ready("other-runtime", at(5), "2.0.0", "production"),
				ready("other-channel", at(6), "1.0.0", "staging"),
			},
			want: "old",
		},
		{
			name: "no compatible candidate falls back to embedded",
			candidates: []*store.Update{
				ready("other-runtime", at(5), "2.0.0", "production"),
				emb,
			},
			want: "embedded",
		},
		{
			name: "tie prefers launched",
			candidates: []*store.Update{
				ready("first", at(2), "1.0.0", "production"),
				ready("launched", at(2), "1.0.0", "production"),
			},
			launched: ready("launched", at(2), "1.0.0", "production"),
			want:     "launched",
		},
		{
			name: "tie without launched keeps input order",
			candidates: []*store.Update{
				ready("first", at(2), "1.0.0", "production"),
				ready("second", at(2), "1.0.0", "production"),
			},
			launched: ready("elsewhere", at(1), "1.0.0", "production"),
			want:     "first",
		},
		{
			name: "pending and failed updates are never launched",
			candidates: []*store.Update{
				emb,
				{ID: "pending", CommitTime: at(4), RuntimeVersion: "1.0.0", Status: store.StatusPending},
				{ID: "failed", CommitTime: at(5), RuntimeVersion: "1.0.0", Status: store.StatusFailed},
			},
			want: "embedded",
		},
		{
			name: "rollback hides updates committed before it",
			candidates: []*store.Update{
				emb,
				ready("cached", at(3), "1.0.0", "production"),
			},
			rollback: func() *time.Time { r := at(3); return &r }(),
			want:     "embedded",
		},
		{
			name: "later update supersedes rollback",
			candidates: []*store.Update{
				emb,
				ready("cached", at(3), "1.0.0", "production"),
				ready("after", at(4), "1.0.0", "production"),
			},
			rollback: func() *time.Time { r := at(3); return &r }(),
			want:     "after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(filters, tt.rollback)
			got := p.SelectUpdateToLaunch(tt.candidates, tt.launched)
			if assert.NotNil(t, got) {
				assert.Equal(t, tt.want, got.ID)
			}

			again := p.SelectUpdateToLaunch(tt.candidates, tt.launched)
			assert.Same(t, got, again, "selection must be deterministic")
		})
	}
}

func TestSelectUpdateToLaunch_NothingToLaunch(t *testing.T) {
	p := NewPolicy(Filters{RuntimeVersion: "1.0.0"}, nil)
	assert.Nil(t, p.SelectUpdateToLaunch(nil, nil))
}

func TestShouldLoadNewUpdate(t *testing.T) {
	p := NewPolicy(Filters{RuntimeVersion: "1.0.0"}, nil)
	launched := ready("launched", at(2), "1.0.0", "")

	assert.True(t, p.ShouldLoadNewUpdate(ready("new", at(3), "1.0.0", ""), launched))
	assert.False(t, p.ShouldLoadNewUpdate(ready("same", at(2), "1.0.0", ""), launched))
	assert.False(t, p.ShouldLoadNewUpdate(ready("old", at(1), "1.0.0", ""), launched))
	assert.False(t, p.ShouldLoadNewUpdate(ready("incompatible", at(5), "2.0.0", ""), launched))
	assert.True(t, p.ShouldLoadNewUpdate(ready("first", at(1), "1.0.0", ""), nil))
	assert.False(t, p.ShouldLoadNewUpdate(nil, launched))

	rollback := at(4)
	rp := NewPolicy(Filters{RuntimeVersion: "1.0.0"}, &rollback)
	assert.False(t, rp.ShouldLoadNewUpdate(ready("before-rollback", at(3), "1.0.0", ""), embedded(at(0))))
	assert.True(t, rp.ShouldLoadNewUpdate(ready("after-rollback", at(5), "1.0.0", ""), embedded(at(0))))
}

func TestShouldLoadRollBack(t *testing.T) {
	emb := embedded(at(0))
	cached := ready("cached", at(3), "1.0.0", "")

	p := NewPolicy(Filters{RuntimeVersion: "1.0.0"}, nil)
	assert.False(t, p.ShouldLoadRollBack(at(5), nil, cached), "no embedded update to roll back to")
	assert.True(t, p.ShouldLoadRollBack(at(1), emb, cached), "rollback wins regardless of newer cached updates")
	assert.True(t, p.ShouldLoadRollBack(at(5), emb, emb), "record the rollback even while embedded runs")

	recorded := at(5)
	rp := NewPolicy(Filters{RuntimeVersion: "1.0.0"}, &recorded)
	assert.False(t, rp.ShouldLoadRollBack(at(5), emb, emb))
	assert.True(t, rp.ShouldLoadRollBack(at(6), emb, emb))
}

func TestRollbackPoint(t *testing.T) {
	p := NewPolicy(Filters{RuntimeVersion: "1.0.0"}, nil)
	cached := []*store.Update{
		ready("a", at(2), "1.0.0", ""),
		ready("b", at(7), "1.0.0", ""),
		ready("incompatible", at(9), "2.0.0", ""),
	}

	assert.Equal(t, at(7), p.RollbackPoint(at(5), cached))
	assert.Equal(t, at(8), p.RollbackPoint(at(8), cached))

	point := p.RollbackPoint(at(5), cached)
	after := NewPolicy(p.Filters, &point)
	assert.Equal(t, "embedded", after.SelectUpdateToLaunch(append([]*store.Update{embedded(at(0))}, cached...), nil).ID)
}

func TestUpdatesToDelete(t *testing.T) {
	p := NewPolicy(Filters{RuntimeVersion: "1.0.0"}, nil)
	launched := ready("launched", at(5), "1.0.0", "")
	updates := []*store.Update{
		ready("oldest", at(1), "1.0.0", ""),
		{ID: "failed", CommitTime: at(3), Status: store.StatusFailed},
		ready("fallback", at(2), "1.0.0", ""),
		launched,
		ready("newer", at(6), "1.0.0", ""),
	}

	got := ids(p.UpdatesToDelete(updates, launched))
	if diff := cmp.Diff([]string{"oldest", "failed"}, got); diff != "" {
		t.Errorf("UpdatesToDelete() mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, p.UpdatesToDelete(updates, nil))
}
