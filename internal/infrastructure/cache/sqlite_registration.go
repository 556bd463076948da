package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pwacache/internal/domain/swcache"
	"pwacache/internal/errs"
	"pwacache/internal/infrastructure/persistence/sqlite/model"
	"pwacache/internal/infrastructure/persistence/sqlite/uow"
	"pwacache/internal/ports"
)

type SQLiteRegistrationStore struct {
	db *gorm.DB
}

var _ ports.RegistrationStore = (*SQLiteRegistrationStore)(nil)

func NewSQLiteRegistrationStore(db *gorm.DB) *SQLiteRegistrationStore {
	return &SQLiteRegistrationStore{db: db}
}

func (s *SQLiteRegistrationStore) Save(ctx context.Context, reg ports.Registration) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	version := strings.TrimSpace(reg.Version)
	if version == "" {
		return errors.New("version is required")
	}

	assets, err := json.Marshal(reg.Assets)
	if err != nil {
		return errs.Wrap(err, "encode registration assets")
	}
	updatedAt := reg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	row := model.Registration{
		Version:   version,
		State:     string(reg.State),
		Assets:    string(assets),
		UpdatedAt: updatedAt.UTC().Format(model.TimeLayout),
	}

	db, err := uow.DB(ctx, s.db)
	if err != nil {
		return err
	}
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "version"}},
		DoUpdates: clause.Assignments(map[string]any{
			"state":      row.State,
			"assets":     row.Assets,
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error; err != nil {
		return errs.Wrap(err, "upsert registration")
	}
	return nil
}

func (s *SQLiteRegistrationStore) List(ctx context.Context) ([]ports.Registration, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(err, "check context")
	}

	db, err := uow.DB(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var rows []model.Registration
	if err := db.Order("updated_at ASC").Order("version ASC").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "list registrations")
	}

	out := make([]ports.Registration, 0, len(rows))
	for _, row := range rows {
		state, err := swcache.ParseLifecycleState(row.State)
		if err != nil {
			return nil, errs.Wrapf(err, "decode registration %q", row.Version)
		}
		var assets []string
		if row.Assets != "" {
			if err := json.Unmarshal([]byte(row.Assets), &assets); err != nil {
				return nil, errs.Wrapf(err, "decode registration %q assets", row.Version)
			}
		}
		updatedAt, err := time.Parse(model.TimeLayout, row.UpdatedAt)
		if err != nil {
			return nil, errs.Wrapf(err, "decode registration %q updated_at", row.Version)
		}
		out = append(out, ports.Registration{
			Version:   row.Version,
			State:     state,
			Assets:    assets,
			UpdatedAt: updatedAt,
		})
	}
	return out, nil
}
