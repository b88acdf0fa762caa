package intent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/settlement/internal/models"
)

type fakeRoutes struct {
	raw    map[string]*RawTokenRoute // symbol|chain
	assets []*AssetRoute
}

func (f *fakeRoutes) RawTokenRoute(_ context.Context, symbol string, chainID uint32) (*RawTokenRoute, error) {
	if route, ok := f.raw[key(symbol, chainID)]; ok {
		return route, nil
	}
	return nil, ErrRouteNotFound
}

func (f *fakeRoutes) AssetRoute(_ context.Context, assetID string, chainID uint32) (*AssetRoute, error) {
	for _, route := range f.assets {
		if route.AssetID == assetID && route.ChainID == chainID {
			return route, nil
		}
	}
	return nil, ErrChainNotAllowed
}

func (f *fakeRoutes) DefaultAssetRoute(_ context.Context, assetID string) (*AssetRoute, error) {
	for _, route := range f.assets {
		if route.AssetID == assetID && route.Default {
			return route, nil
		}
	}
	return nil, ErrAssetNotFound
}

func key(symbol string, chainID uint32) string {
	return fmt.Sprintf("%s|%d", symbol, chainID)
}

const testAssetID = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func newResolver() *Resolver {
	return NewResolver(&fakeRoutes{
		raw: map[string]*RawTokenRoute{
			key("USDC", 60): {
				Symbol:       "USDC",
				ChainID:      60,
				TokenAddress: "0x00000000000000000000000000000000000000aa",
				Decimals:     6,
				Active:       true,
			},
			key("OLD", 60): {
				Symbol:       "OLD",
				ChainID:      60,
				TokenAddress: "0x00000000000000000000000000000000000000bb",
				Active:       false,
			},
		},
		assets: []*AssetRoute{
			{
				AssetID:      testAssetID,
				ChainID:      60,
				AdapterID:    1,
				TokenKey:     "eth-usdc",
				TokenAddress: "0x00000000000000000000000000000000000000cc",
				Default:      true,
				Active:       true,
			},
			{
				AssetID:      testAssetID,
				ChainID:      966,
				AdapterID:    2,
				TokenKey:     "pol-usdc",
				TokenAddress: "0x00000000000000000000000000000000000000dd",
				Active:       true,
			},
		},
	})
}

func beneficiaryOn(chainID uint32) models.UniversalAddress {
	return models.UniversalAddress{
		ChainID: chainID,
		Data:    "0x000000000000000000000000deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	}
}

func TestResolveRawToken(t *testing.T) {
	r := newResolver()
	res, err := r.Resolve(context.Background(), &Intent{
		Kind:        models.IntentKindRawToken,
		Beneficiary: beneficiaryOn(60),
		TokenSymbol: "USDC",
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(60), res.TargetChainID)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", res.TokenAddress)
	assert.Empty(t, res.TokenKey, "raw tokens carry no adapter token key")
	assert.Zero(t, res.AdapterID)
	assert.Equal(t, uint8(6), res.Decimals)
}

func TestResolveRawTokenUnknownSymbol(t *testing.T) {
	r := newResolver()
	_, err := r.Resolve(context.Background(), &Intent{
		Kind:        models.IntentKindRawToken,
		Beneficiary: beneficiaryOn(60),
		TokenSymbol: "NOPE",
	})
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

func TestResolveRawTokenInactiveRoute(t *testing.T) {
	r := newResolver()
	_, err := r.Resolve(context.Background(), &Intent{
		Kind:        models.IntentKindRawToken,
		Beneficiary: beneficiaryOn(60),
		TokenSymbol: "OLD",
	})
	assert.ErrorIs(t, err, ErrRouteInactive)
}

func TestResolveAssetTokenDefaultChain(t *testing.T) {
	r := newResolver()
	res, err := r.Resolve(context.Background(), &Intent{
		Kind:             models.IntentKindAssetToken,
		Beneficiary:      beneficiaryOn(60),
		AssetID:          testAssetID,
		AssetTokenSymbol: "aUSDC",
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(60), res.TargetChainID)
	assert.Equal(t, uint32(1), res.AdapterID)
	assert.Equal(t, "eth-usdc", res.TokenKey)
}

func TestResolveAssetTokenPreferredChain(t *testing.T) {
	r := newResolver()
	preferred := uint32(966)
	res, err := r.Resolve(context.Background(), &Intent{
		Kind:             models.IntentKindAssetToken,
		Beneficiary:      beneficiaryOn(60),
		AssetID:          testAssetID,
		AssetTokenSymbol: "aUSDC",
		PreferredChain:   &preferred,
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(966), res.TargetChainID)
	assert.Equal(t, uint32(2), res.AdapterID)
	assert.Equal(t, "pol-usdc", res.TokenKey)
}

func TestResolveAssetTokenUnavailableOnPreferredChain(t *testing.T) {
	r := newResolver()
	preferred := uint32(501)
	_, err := r.Resolve(context.Background(), &Intent{
		Kind:             models.IntentKindAssetToken,
		Beneficiary:      beneficiaryOn(60),
		AssetID:          testAssetID,
		AssetTokenSymbol: "aUSDC",
		PreferredChain:   &preferred,
	})
	assert.ErrorIs(t, err, ErrChainNotAllowed)
}

func TestResolveRejectsInvalidIntent(t *testing.T) {
	r := newResolver()
	_, err := r.Resolve(context.Background(), &Intent{
		Kind:        models.IntentKindRawToken,
		Beneficiary: beneficiaryOn(60),
	})
	assert.ErrorIs(t, err, ErrMissingTokenSymbol)
}
