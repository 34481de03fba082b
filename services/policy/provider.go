package policy

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mission-marketplace/pkg/db/option"
	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/pkg/repository"
)

const defaultCacheTTL = 30 * time.Second

// Provider resolves configuration values by key. Lookups never fail: any
// missing, inactive or malformed value resolves to the caller's fallback.
type Provider struct {
	db    *gorm.DB
	node  *snowflake.Node
	repo  repository.Repository[Policy]
	cache *cache
	group singleflight.Group
}

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewProvider(p Params) *Provider {
	return &Provider{
		db:    p.DB,
		node:  p.Node,
		repo:  repository.ProvideStore[Policy](p.DB),
		cache: newCache(defaultCacheSize, defaultCacheTTL),
	}
}

// Int returns the integer value of the latest active version of key.
func (p *Provider) Int(ctx context.Context, key string, fallback int64) int64 {
	pol := p.lookup(ctx, key)
	if pol == nil {
		return fallback
	}
	v, ok := parseInt(pol.Value)
	if !ok {
		logger.FromContext(ctx).Warn("policy value is not an integer, using fallback",
			zap.String("key", key), zap.ByteString("value", pol.Value))
		return fallback
	}
	return v
}

// Duration reads key as a number of seconds.
func (p *Provider) Duration(ctx context.Context, key string, fallback time.Duration) time.Duration {
	secs := p.Int(ctx, key, -1)
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// MissionTimeout is the claim window for a mission type.
func (p *Provider) MissionTimeout(ctx context.Context, missionType string) time.Duration {
	return p.Duration(ctx, TimeoutKey(missionType), DefaultTimeout(missionType))
}

func (p *Provider) lookup(ctx context.Context, key string) *Policy {
	if e, ok := p.cache.get(key); ok {
		return e.policy
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		pol, err := p.latest(ctx, p.db, key)
		if err != nil {
			return nil, err
		}
		p.cache.set(key, pol)
		return pol, nil
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to load policy, using fallback", zap.String("key", key), zap.Error(err))
		return nil
	}
	return v.(*Policy)
}

func (p *Provider) latest(ctx context.Context, tx *gorm.DB, key string) (*Policy, error) {
	return p.repo.WithTrx(tx).FindOne(ctx, &Policy{Key: key, IsActive: true},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "version",
			OrderBy: "desc",
			Allow:   map[string]bool{"version": true},
		}),
	)
}

// Put appends a new version of key and deactivates every older one.
func (p *Provider) Put(ctx context.Context, key string, value any) (*Policy, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errutil.ValidationFailed("policy key is required", nil)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errutil.ValidationFailed("policy value must be JSON encodable", err)
	}

	var created *Policy
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int64
		if err := tx.Model(&Policy{}).
			Where("policy_key = ?", key).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}

		if err := tx.Model(&Policy{}).
			Where("policy_key = ? AND is_active = ?", key, true).
			Update("is_active", false).Error; err != nil {
			return err
		}

		created = &Policy{
			ID:       p.node.Generate().String(),
			Key:      key,
			Value:    datatypes.JSON(raw),
			Version:  maxVersion + 1,
			IsActive: true,
		}
		return p.repo.WithTrx(tx).Create(ctx, created)
	})
	if err != nil {
		return nil, errutil.Internal("failed to save policy", err)
	}

	p.cache.invalidate(key)
	zap.L().Info("policy updated", zap.String("key", key), zap.Int64("version", created.Version))
	return created, nil
}

func parseInt(raw datatypes.JSON) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v, true
		}
	}

	var obj struct {
		Value *json.Number `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Value != nil {
		if v, err := obj.Value.Int64(); err == nil {
			return v, true
		}
	}

	return 0, false
}
