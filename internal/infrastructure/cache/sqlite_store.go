package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
	"pwacache/internal/infrastructure/persistence/sqlite/model"
	"pwacache/internal/infrastructure/persistence/sqlite/uow"
	"pwacache/internal/ports"
)

// SQLiteStore keeps namespaces and their stored responses in two tables.
// Writes are upserts, so concurrent puts to one key are last-write-wins. An
// entry is only written while its namespace row exists.
type SQLiteStore struct {
	db  *gorm.DB
	uow ports.UnitOfWork
	now func() time.Time

	// mu orders Open's check-and-create against RetireVersion's mark.
	mu      sync.RWMutex
	retired map[string]struct{}
}

var _ ports.NamespaceStore = (*SQLiteStore)(nil)

func NewSQLiteStore(db *gorm.DB, unitOfWork ports.UnitOfWork) *SQLiteStore {
	if unitOfWork == nil {
		unitOfWork = uow.NewUnitOfWork(db)
	}
	return &SQLiteStore{db: db, uow: unitOfWork, now: time.Now, retired: make(map[string]struct{})}
}

func (s *SQLiteStore) Open(ctx context.Context, ns swcache.Namespace) (ports.NamedCache, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := ns.Validate(); err != nil {
		return nil, err
	}

	handle := &sqliteNamedCache{db: s.db, uow: s.uow, ns: ns}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.retired[ns.Version]; ok {
		// Reads find nothing and writes fail with ErrNamespaceGone.
		return handle, nil
	}

	db, err := uow.DB(ctx, s.db)
	if err != nil {
		return nil, err
	}

	row := model.CacheNamespace{
		Version:   ns.Version,
		Bucket:    string(ns.Bucket),
		CreatedAt: s.now().UTC().Format(model.TimeLayout),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, errs.Wrapf(err, "create cache namespace %s", ns)
	}
	return handle, nil
}

func (s *SQLiteStore) Namespaces(ctx context.Context) ([]swcache.Namespace, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	db, err := uow.DB(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var rows []model.CacheNamespace
	if err := db.Order("version ASC").Order("bucket ASC").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "list cache namespaces")
	}

	out := make([]swcache.Namespace, 0, len(rows))
	for _, row := range rows {
		out = append(out, swcache.Namespace{Version: row.Version, Bucket: swcache.Bucket(row.Bucket)})
	}
	return out, nil
}

func (s *SQLiteStore) DeleteNamespace(ctx context.Context, ns swcache.Namespace) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := ns.Validate(); err != nil {
		return false, err
	}

	existed := false
	err := s.uow.WithTx(ctx, func(txCtx context.Context) error {
		db, err := uow.DB(txCtx, s.db)
		if err != nil {
			return err
		}

		if err := db.Where("version = ? AND bucket = ?", ns.Version, string(ns.Bucket)).
			Delete(&model.CacheEntry{}).Error; err != nil {
			return errs.Wrap(err, "delete namespace entries")
		}

		result := db.Where("version = ? AND bucket = ?", ns.Version, string(ns.Bucket)).
			Delete(&model.CacheNamespace{})
		if result.Error != nil {
			return errs.Wrap(result.Error, "delete namespace")
		}
		existed = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, errs.Wrapf(err, "delete cache namespace %s", ns)
	}
	return existed, nil
}

// RetireVersion marks version retired, then deletes its namespaces and every
// entry stored under it, including entries without a namespace row.
func (s *SQLiteStore) RetireVersion(ctx context.Context, version string) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	if strings.TrimSpace(version) == "" {
		return 0, fmt.Errorf("%w: version is required", swcache.ErrInvalidNamespace)
	}

	s.mu.Lock()
	s.retired[version] = struct{}{}
	s.mu.Unlock()

	removed := 0
	err := s.uow.WithTx(ctx, func(txCtx context.Context) error {
		db, err := uow.DB(txCtx, s.db)
		if err != nil {
			return err
		}
		if err := db.Where("version = ?", version).Delete(&model.CacheEntry{}).Error; err != nil {
			return errs.Wrap(err, "delete version entries")
		}
		result := db.Where("version = ?", version).Delete(&model.CacheNamespace{})
		if result.Error != nil {
			return errs.Wrap(result.Error, "delete version namespaces")
		}
		removed = int(result.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, errs.Wrapf(err, "retire cache version %s", version)
	}
	return removed, nil
}

func (s *SQLiteStore) ReviveVersion(ctx context.Context, version string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.retired, version)
	s.mu.Unlock()
	return nil
}

type sqliteNamedCache struct {
	db  *gorm.DB
	uow ports.UnitOfWork
	ns  swcache.Namespace
}

func (c *sqliteNamedCache) Namespace() swcache.Namespace {
	return c.ns
}

func (c *sqliteNamedCache) scope(db *gorm.DB) *gorm.DB {
	return db.Where("version = ? AND bucket = ?", c.ns.Version, string(c.ns.Bucket))
}

func (c *sqliteNamedCache) Match(ctx context.Context, key string) (*swcache.StoredResponse, bool, error) {
	if err := checkContext(ctx); err != nil {
		return nil, false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("key is required")
	}

	db, err := uow.DB(ctx, c.db)
	if err != nil {
		return nil, false, err
	}

	var row model.CacheEntry
	if err := c.scope(db).Where("request_key = ?", key).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(err, "query cache entry")
	}

	resp, err := decodeEntry(row)
	if err != nil {
		return nil, false, errs.Wrapf(err, "decode cache entry %q", key)
	}
	return resp, true, nil
}

func (c *sqliteNamedCache) Put(ctx context.Context, key string, resp *swcache.StoredResponse) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}
	if resp == nil {
		return errors.New("response is required")
	}

	header, err := json.Marshal(resp.Header)
	if err != nil {
		return errs.Wrap(err, "encode response header")
	}
	capturedAt := resp.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	row := model.CacheEntry{
		Version:    c.ns.Version,
		Bucket:     string(c.ns.Bucket),
		RequestKey: key,
		Status:     resp.Status,
		Header:     string(header),
		Body:       resp.Body,
		CapturedAt: capturedAt.UTC().Format(model.TimeLayout),
	}

	return c.uow.WithTx(ctx, func(txCtx context.Context) error {
		db, err := uow.DB(txCtx, c.db)
		if err != nil {
			return err
		}

		var namespaces int64
		if err := c.scope(db.Model(&model.CacheNamespace{})).Count(&namespaces).Error; err != nil {
			return errs.Wrap(err, "check cache namespace")
		}
		if namespaces == 0 {
			return fmt.Errorf("put %s into %s: %w", key, c.ns, swcache.ErrNamespaceGone)
		}

		if err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "version"}, {Name: "bucket"}, {Name: "request_key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"status":      row.Status,
				"header":      row.Header,
				"body":        row.Body,
				"captured_at": row.CapturedAt,
			}),
		}).Create(&row).Error; err != nil {
			return errs.Wrap(err, "upsert cache entry")
		}
		return nil
	})
}

func (c *sqliteNamedCache) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	db, err := uow.DB(ctx, c.db)
	if err != nil {
		return nil, err
	}

	var keys []string
	if err := c.scope(db.Model(&model.CacheEntry{})).
		Order("captured_at ASC").Order("request_key ASC").
		Pluck("request_key", &keys).Error; err != nil {
		return nil, errs.Wrap(err, "list cache keys")
	}
	return keys, nil
}

func (c *sqliteNamedCache) Trim(ctx context.Context, limit int) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, nil
	}

	db, err := uow.DB(ctx, c.db)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := c.scope(db.Model(&model.CacheEntry{})).Count(&count).Error; err != nil {
		return 0, errs.Wrap(err, "count cache entries")
	}
	excess := int(count) - limit
	if excess <= 0 {
		return 0, nil
	}

	var victims []string
	if err := c.scope(db.Model(&model.CacheEntry{})).
		Order("captured_at ASC").Order("request_key ASC").
		Limit(excess).
		Pluck("request_key", &victims).Error; err != nil {
		return 0, errs.Wrap(err, "select eviction victims")
	}

	result := c.scope(db).Where("request_key IN ?", victims).Delete(&model.CacheEntry{})
	if result.Error != nil {
		return 0, errs.Wrap(result.Error, "evict cache entries")
	}
	return int(result.RowsAffected), nil
}

func decodeEntry(row model.CacheEntry) (*swcache.StoredResponse, error) {
	header := http.Header{}
	if row.Header != "" {
		if err := json.Unmarshal([]byte(row.Header), &header); err != nil {
			return nil, fmt.Errorf("decode header: %w", err)
		}
	}
	capturedAt, err := time.Parse(model.TimeLayout, row.CapturedAt)
	if err != nil {
		return nil, fmt.Errorf("decode captured_at: %w", err)
	}
	return &swcache.StoredResponse{
		Status:     row.Status,
		Header:     header,
		Body:       row.Body,
		CapturedAt: capturedAt,
	}, nil
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}
	return nil
}
