package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/netbirdio/ota/client/internal/updates/status"
)

const (
	// StoreFileName is the name of the database file inside the updates directory
	StoreFileName = "updates.db"
	// AssetsDir is the subdirectory of the updates directory holding asset files
	AssetsDir = "assets"
)

// SqliteStore is an update store backed by a Sqlite DB persisted to disk
type SqliteStore struct {
	db        *gorm.DB
	storeFile string
}

// NewSqliteStore opens or creates the store inside dataDir
func NewSqliteStore(ctx context.Context, dataDir string) (*SqliteStore, error) {
	storeStr := StoreFileName + "?cache=shared&_busy_timeout=5000"
	if runtime.GOOS == "windows" {
		// To avoid `The process cannot access the file because it is being used by another process` on Windows
		storeStr = StoreFileName
	}

	file := filepath.Join(dataDir, storeStr)
	db, err := gorm.Open(sqlite.Open(file), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, status.Errorf(status.Storage, "open update store: %w", err)
	}

	sql, err := db.DB()
	if err != nil {
		return nil, status.Errorf(status.Storage, "open update store: %w", err)
	}
	conns := runtime.NumCPU()
	sql.SetMaxOpenConns(conns)

	if err := db.WithContext(ctx).AutoMigrate(&Update{}, &Asset{}, &UpdateAsset{}); err != nil {
		_ = sql.Close()
		return nil, status.Errorf(status.Storage, "migrate update store: %w", err)
	}

	log.Debugf("opened update store %s", file)

	return &SqliteStore{db: db, storeFile: file}, nil
}

// CompatibleUpdates returns the ready updates of the scope, newest commit first
func (s *SqliteStore) CompatibleUpdates(ctx context.Context, scopeKey string) ([]*Update, error) {
	var updates []*Update
	result := s.db.WithContext(ctx).
		Where("scope_key = ? AND status = ?", scopeKey, StatusReady).
		Order("commit_time DESC").
		Find(&updates)
	if result.Error != nil {
		return nil, status.Errorf(status.Storage, "query compatible updates: %w", result.Error)
	}
	return updates, nil
}

// GetUpdate returns the update with the given id, whatever its status
func (s *SqliteStore) GetUpdate(ctx context.Context, id string) (*Update, error) {
	var update Update
	result := s.db.WithContext(ctx).Take(&update, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewUpdateNotFoundError(id)
		}
		return nil, status.Errorf(status.Storage, "get update %s: %w", id, result.Error)
	}
	return &update, nil
}

// AllUpdates returns every update of every scope, oldest commit first
func (s *SqliteStore) AllUpdates(ctx context.Context) ([]*Update, error) {
	var updates []*Update
	if err := s.db.WithContext(ctx).Order("commit_time ASC").Find(&updates).Error; err != nil {
		return nil, status.Errorf(status.Storage, "list updates: %w", err)
	}
	return updates, nil
}

// AssetsForUpdate returns the assets owned by the update
func (s *SqliteStore) AssetsForUpdate(ctx context.Context, id string) ([]*Asset, error) {
	var assets []*Asset
	result := s.db.WithContext(ctx).
		Joins("JOIN update_assets ON update_assets.asset_key = assets.asset_key").
		Where("update_assets.update_id = ?", id).
		Order("assets.asset_key").
		Find(&assets)
	if result.Error != nil {
		return nil, status.Errorf(status.Storage, "query assets of update %s: %w", id, result.Error)
	}
	return assets, nil
}

// InsertUpdate persists update, assets and links in one transaction
func (s *SqliteStore) InsertUpdate(ctx context.Context, update *Update, assets []*Asset, launchAssetKey string) error {
	start := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		links := make([]UpdateAsset, 0, len(assets))
		for _, asset := range assets {
			if err := upsertAsset(tx, asset); err != nil {
				return err
			}
			links = append(links, UpdateAsset{
				UpdateID:      update.ID,
				AssetKey:      asset.Key,
				IsLaunchAsset: asset.Key == launchAssetKey,
			})
		}

		if err := tx.Create(update).Error; err != nil {
			return fmt.Errorf("insert update: %w", err)
		}

		if len(links) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error; err != nil {
				return fmt.Errorf("link assets: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return status.Errorf(status.Storage, "insert update %s: %w", update.ID, err)
	}

	log.Debugf("took %v to insert update %s with %d assets", time.Since(start), update.ID, len(assets))
	return nil
}

// UpsertAsset records a verified asset so later updates can reuse it
func (s *SqliteStore) UpsertAsset(ctx context.Context, asset *Asset) error {
	if err := upsertAsset(s.db.WithContext(ctx), asset); err != nil {
		return status.Errorf(status.Storage, "%w", err)
	}
	return nil
}

func upsertAsset(tx *gorm.DB, asset *Asset) error {
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"url", "relative_path", "size", "download_time"}),
	}).Create(asset)
	if result.Error != nil {
		return fmt.Errorf("upsert asset %s: %w", asset.Key, result.Error)
	}
	return nil
}

// MarkLaunched bumps the access time and the successful launch counter of the update
func (s *SqliteStore) MarkLaunched(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&Update{}).Where("id = ?", id).Updates(map[string]any{
		"last_accessed":           time.Now().UTC(),
		"successful_launch_count": gorm.Expr("successful_launch_count + 1"),
	})
	if result.Error != nil {
		return status.Errorf(status.Storage, "mark update %s launched: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return status.NewUpdateNotFoundError(id)
	}
	return nil
}

// MarkFailed excludes the update from future selection
func (s *SqliteStore) MarkFailed(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&Update{}).Where("id = ?", id).Updates(map[string]any{
		"status":              StatusFailed,
		"failed_launch_count": gorm.Expr("failed_launch_count + 1"),
	})
	if result.Error != nil {
		return status.Errorf(status.Storage, "mark update %s failed: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return status.NewUpdateNotFoundError(id)
	}
	return nil
}

// DeleteUpdates removes the updates and their asset links
func (s *SqliteStore) DeleteUpdates(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("update_id IN ?", ids).Delete(&UpdateAsset{}).Error; err != nil {
			return fmt.Errorf("delete asset links: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Update{}).Error; err != nil {
			return fmt.Errorf("delete updates: %w", err)
		}
		return nil
	})
	if err != nil {
		return status.Errorf(status.Storage, "delete updates: %w", err)
	}
	return nil
}

// DeleteUnusedAssets removes asset rows that no update links to
func (s *SqliteStore) DeleteUnusedAssets(ctx context.Context) ([]*Asset, error) {
	var unused []*Asset
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		used := tx.Model(&UpdateAsset{}).Select("asset_key")
		if err := tx.Where("asset_key NOT IN (?)", used).Find(&unused).Error; err != nil {
			return fmt.Errorf("query unused assets: %w", err)
		}
		if len(unused) == 0 {
			return nil
		}

		keys := make([]string, 0, len(unused))
		for _, a := range unused {
			keys = append(keys, a.Key)
		}
		if err := tx.Where("asset_key IN ?", keys).Delete(&Asset{}).Error; err != nil {
			return fmt.Errorf("delete unused assets: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, status.Errorf(status.Storage, "%w", err)
	}
	return unused, nil
}

// Close closes the underlying DB connection
func (s *SqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
