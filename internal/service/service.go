package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"magsd/backend/internal/cache"
	"magsd/backend/internal/domain"
	"magsd/backend/internal/ledger"
	"magsd/backend/internal/store"
)

const (
	// ReservationTTL is how long a hold lives before the next listing sweeps it.
	ReservationTTL = 30 * 24 * time.Hour

	defaultHistoryLimit = 100
	defaultAuditLimit   = 100
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	CatalogTTL time.Duration
	ShopName   string
	Location   *time.Location
	// Now overrides the clock; tests use it to age reservations.
	Now func() time.Time
}

type Service struct {
	repo       store.Repository
	ledger     *ledger.Ledger
	catalog    cache.CatalogCache
	catalogTTL time.Duration
	shopName   string
	loc        *time.Location
	now        func() time.Time
}

func New(repo store.Repository, catalog cache.CatalogCache, opts Options) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = 15 * time.Second
	}
	if opts.ShopName == "" {
		opts.ShopName = "MagsD Jewelry"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:       repo,
		ledger:     ledger.New(repo),
		catalog:    catalog,
		catalogTTL: opts.CatalogTTL,
		shopName:   opts.ShopName,
		loc:        opts.Location,
		now:        opts.Now,
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = defaultAuditLimit
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

// Location is the shop timezone used for report buckets and invoice dates.
func (s *Service) Location() *time.Location {
	return s.loc
}

// RecordAudit writes an audit row for mutations made outside the service,
// such as account management.
func (s *Service) RecordAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	s.logAudit(ctx, action, entityType, entityID, detail)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{UserID: "system", Email: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ActorID:    actor.UserID,
		ActorEmail: actor.Email,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		log.Warn().Err(err).Str("action", action).Str("entity_type", entityType).Str("entity_id", entityID).Msg("failed to write audit log")
	}
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	if err := s.catalog.Invalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to invalidate catalog cache")
	}
}

// storeError classifies store sentinels for the caller. what names the
// missing entity for NOT_FOUND.
func storeError(err error, what string) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, store.ErrNotFound):
		return domain.NotFound(what)
	case errors.Is(err, store.ErrConflict):
		return domain.WrapError(domain.CodeConflict, fmt.Sprintf("%s already exists", what), err)
	case errors.Is(err, store.ErrStockConstraint):
		return domain.WrapError(domain.CodeStockExceeded, "reserved quantity would exceed available stock", err)
	case errors.Is(err, store.ErrReferenced):
		return domain.WrapError(domain.CodeFKViolation, fmt.Sprintf("%s is still referenced", what), err)
	}
	return err
}
