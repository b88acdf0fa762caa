package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/veilpay/settlement/internal/models"
)

var (
	ErrRouteNotFound   = errors.New("intent: no route for token on chain")
	ErrAssetNotFound   = errors.New("intent: unknown asset id")
	ErrRouteInactive   = errors.New("intent: route is disabled")
	ErrChainNotAllowed = errors.New("intent: asset not available on preferred chain")
)

// RawTokenRoute maps a token symbol on one chain to its contract address.
// One row per (symbol, chain): the same symbol on another chain is a
// separate route.
type RawTokenRoute struct {
	ID           uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Symbol       string    `json:"symbol" gorm:"size:20;not null;index:idx_raw_route,unique"`
	ChainID      uint32    `json:"chain_id" gorm:"not null;index:idx_raw_route,unique"`
	TokenAddress string    `json:"token_address" gorm:"size:66;not null"`
	Decimals     uint8     `json:"decimals" gorm:"not null;default:18"`
	Active       bool      `json:"active" gorm:"not null;default:true"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AssetRoute maps an asset identifier to the adapter that settles it on a
// given chain, plus the destination token key the adapter consumes.
type AssetRoute struct {
	ID           uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	AssetID      string    `json:"asset_id" gorm:"size:66;not null;index:idx_asset_route,unique"`
	ChainID      uint32    `json:"chain_id" gorm:"not null;index:idx_asset_route,unique"`
	AdapterID    uint32    `json:"adapter_id" gorm:"not null"`
	TokenKey     string    `json:"token_key" gorm:"size:50;not null"`
	TokenAddress string    `json:"token_address" gorm:"size:66;not null"`
	Default      bool      `json:"default" gorm:"column:is_default;not null;default:false"`
	Active       bool      `json:"active" gorm:"not null;default:true"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RouteSource is the lookup surface the resolver needs. The gorm
// implementation is the production source; tests supply fakes.
type RouteSource interface {
	RawTokenRoute(ctx context.Context, symbol string, chainID uint32) (*RawTokenRoute, error)
	AssetRoute(ctx context.Context, assetID string, chainID uint32) (*AssetRoute, error)
	DefaultAssetRoute(ctx context.Context, assetID string) (*AssetRoute, error)
}

type gormRouteSource struct {
	db *gorm.DB
}

// NewGormRouteSource creates a RouteSource backed by the routing tables.
func NewGormRouteSource(db *gorm.DB) RouteSource {
	return &gormRouteSource{db: db}
}

func (s *gormRouteSource) RawTokenRoute(ctx context.Context, symbol string, chainID uint32) (*RawTokenRoute, error) {
	var route RawTokenRoute
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND chain_id = ?", symbol, chainID).
		First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s on chain %d", ErrRouteNotFound, symbol, chainID)
	}
	if err != nil {
		return nil, err
	}
	return &route, nil
}

func (s *gormRouteSource) AssetRoute(ctx context.Context, assetID string, chainID uint32) (*AssetRoute, error) {
	var route AssetRoute
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND chain_id = ?", assetID, chainID).
		First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: asset %s on chain %d", ErrChainNotAllowed, assetID, chainID)
	}
	if err != nil {
		return nil, err
	}
	return &route, nil
}

func (s *gormRouteSource) DefaultAssetRoute(ctx context.Context, assetID string) (*AssetRoute, error) {
	var route AssetRoute
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND is_default = ?", assetID, true).
		First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
	}
	if err != nil {
		return nil, err
	}
	return &route, nil
}

// Resolution is a resolved intent: everything the proof input and the
// execution calldata need about the destination. TokenKey stays empty for
// RawToken intents, matching the proof's public-values layout.
type Resolution struct {
	TargetChainID   uint32
	AdapterID       uint32
	TokenKey        string
	TokenAddress    string
	BeneficiaryData string // bytes32 hex
	MinOutput       string // bytes32 hex
	Decimals        uint8
}

// Resolver interprets intents against the routing tables.
type Resolver struct {
	routes RouteSource
}

// NewResolver creates a Resolver over the given route source.
func NewResolver(routes RouteSource) *Resolver {
	return &Resolver{routes: routes}
}

// Resolve validates the intent and produces its concrete resolution.
func (r *Resolver) Resolve(ctx context.Context, i *Intent) (*Resolution, error) {
	if err := i.Validate(); err != nil {
		return nil, err
	}

	switch i.Kind {
	case models.IntentKindRawToken:
		route, err := r.routes.RawTokenRoute(ctx, i.TokenSymbol, i.Beneficiary.ChainID)
		if err != nil {
			return nil, err
		}
		if !route.Active {
			return nil, fmt.Errorf("%w: %s on chain %d", ErrRouteInactive, i.TokenSymbol, route.ChainID)
		}
		return &Resolution{
			TargetChainID:   route.ChainID,
			TokenAddress:    route.TokenAddress,
			BeneficiaryData: i.Beneficiary.Data,
			MinOutput:       i.MinOutput,
			Decimals:        route.Decimals,
		}, nil

	case models.IntentKindAssetToken:
		var (
			route *AssetRoute
			err   error
		)
		if i.PreferredChain != nil {
			route, err = r.routes.AssetRoute(ctx, i.AssetID, *i.PreferredChain)
		} else {
			route, err = r.routes.DefaultAssetRoute(ctx, i.AssetID)
		}
		if err != nil {
			return nil, err
		}
		if !route.Active {
			return nil, fmt.Errorf("%w: asset %s on chain %d", ErrRouteInactive, i.AssetID, route.ChainID)
		}
		return &Resolution{
			TargetChainID:   route.ChainID,
			AdapterID:       route.AdapterID,
			TokenKey:        route.TokenKey,
			TokenAddress:    route.TokenAddress,
			BeneficiaryData: i.Beneficiary.Data,
			MinOutput:       i.MinOutput,
		}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, i.Kind)
}
