package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agencykit/tokenmeter/internal/models"
	"github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/logctx"
	"github.com/agencykit/tokenmeter/pkg/tool"
	"github.com/agencykit/tokenmeter/pkg/types"
)

// ErrUnknownActionType is the fail-closed answer for an action type with no
// active catalog entry: "cannot determine cost", never "free".
var ErrUnknownActionType = errors.New("unknown action type")

type cachedCost struct {
	entry    *models.PricingEntry
	cachedAt time.Time
}

// Service resolves action types to token costs. Cost sits on the hot path of
// every consumption check, so active entries are cached in memory with a TTL
// and push-invalidated on edits.
type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger

	mu    sync.RWMutex
	cache map[string]cachedCost
	ttl   time.Duration
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) *Service {
	ttl := cfg.Catalog.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{cfg: cfg, db: db, log: log, cache: make(map[string]cachedCost), ttl: ttl}
}

// Cost returns the token cost of the currently active entry for actionType.
func (s *Service) Cost(ctx context.Context, actionType string) (int64, error) {
	entry, err := s.get(ctx, actionType)
	if err != nil {
		return 0, err
	}
	return entry.TokenCost, nil
}

// Get returns the full active entry for actionType.
func (s *Service) Get(ctx context.Context, actionType string) (*models.PricingEntry, error) {
	return s.get(ctx, actionType)
}

func (s *Service) get(ctx context.Context, actionType string) (*models.PricingEntry, error) {
	if actionType == "" {
		return nil, ErrUnknownActionType
	}

	s.mu.RLock()
	c, ok := s.cache[actionType]
	s.mu.RUnlock()
	if ok && time.Since(c.cachedAt) < s.ttl {
		return c.entry, nil
	}

	var entry models.PricingEntry
	err := s.db.WithContext(ctx).
		Where("action_type = ? AND is_active = ?", actionType, true).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownActionType, actionType)
		}
		return nil, fmt.Errorf("failed to load pricing entry: %w", err)
	}

	s.mu.Lock()
	s.cache[actionType] = cachedCost{entry: &entry, cachedAt: time.Now()}
	s.mu.Unlock()
	return &entry, nil
}

type UpsertEntryRequest struct {
	ActionType string               `json:"action_type"`
	TokenCost  int64                `json:"token_cost"`
	Category   types.ActionCategory `json:"category"`
}

// Upsert creates or updates a catalog entry and invalidates its cache slot.
// Cost edits never touch existing ledger rows; consume rows carry their own
// cost snapshot for audit stability.
func (s *Service) Upsert(ctx context.Context, req *UpsertEntryRequest) (*models.PricingEntry, error) {
	if req == nil || req.ActionType == "" {
		return nil, fmt.Errorf("missing action_type")
	}
	if req.TokenCost < 0 {
		return nil, fmt.Errorf("token cost must be >= 0, got %d", req.TokenCost)
	}
	if req.Category == "" {
		req.Category = types.ActionCategoryPlatform
	}

	var entry models.PricingEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).Where("action_type = ?", req.ActionType).First(&entry).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load pricing entry: %w", err)
		}
		if entry.ID == "" {
			entry = models.PricingEntry{ID: tool.GenerateUUIDV7(), ActionType: req.ActionType}
		}
		entry.TokenCost = req.TokenCost
		entry.Category = req.Category
		entry.IsActive = true
		return tx.WithContext(ctx).Save(&entry).Error
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(req.ActionType)
	logctx.FromCtx(ctx, s.log).Infow("pricing entry upserted",
		"action_type", entry.ActionType, "token_cost", entry.TokenCost)
	return &entry, nil
}

// Deactivate soft-deletes an entry. Rows referencing it stay auditable; new
// authorizations for the action type fail closed.
func (s *Service) Deactivate(ctx context.Context, actionType string) error {
	res := s.db.WithContext(ctx).Model(&models.PricingEntry{}).
		Where("action_type = ? AND is_active = ?", actionType, true).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownActionType, actionType)
	}
	s.invalidate(actionType)
	return nil
}

// List returns all entries, active and deactivated.
func (s *Service) List(ctx context.Context) ([]*models.PricingEntry, error) {
	var entries []*models.PricingEntry
	if err := s.db.WithContext(ctx).Order("action_type").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) invalidate(actionType string) {
	s.mu.Lock()
	delete(s.cache, actionType)
	s.mu.Unlock()
}
