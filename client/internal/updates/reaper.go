package updates

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/ota/client/internal/updates/selection"
	"github.com/netbirdio/ota/client/internal/updates/status"
	"github.com/netbirdio/ota/util"
)

// reap removes updates older than the launched one, keeping the newest of them as a fallback,
// then every asset no update refers to anymore
func (s *enabledStrategy) reap(ctx context.Context) error {
	launched := s.currentUpdate()
	if launched == nil {
		return nil
	}

	all, err := s.store.AllUpdates(ctx)
	if err != nil {
		return err
	}

	policy := selection.NewPolicy(s.filters, s.RollbackPoint())
	doomed := policy.UpdatesToDelete(all, launched)

	var merr *multierror.Error
	if len(doomed) > 0 {
		ids := make([]string, 0, len(doomed))
		for _, u := range doomed {
			ids = append(ids, u.ID)
		}
		if err := s.store.DeleteUpdates(ctx, ids); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	assets, err := s.store.DeleteUnusedAssets(ctx)
	if err != nil {
		merr = multierror.Append(merr, err)
	}

	for _, a := range assets {
		if err := util.RemoveFile(filepath.Join(s.dir, a.RelativePath)); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("asset %s: %w", a.Key, err))
		}
	}

	if len(doomed) > 0 || len(assets) > 0 {
		log.Infof("removed %d old updates and %d unused assets", len(doomed), len(assets))
	}

	return status.FormatErrorOrNil(merr)
}
