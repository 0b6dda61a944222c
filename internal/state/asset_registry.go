package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// AssetInfo describes a collateral token. Entries are never purged;
// removal only flips Removed so outstanding redemptions stay claimable.
type AssetInfo struct {
	Asset    common.Address `json:"asset"`
	OracleID string         `json:"oracle_id"`
	Decimals uint8          `json:"decimals"`
	Removed  bool           `json:"removed"`
}

// AssetRegistry manages supported collateral.
type AssetRegistry struct {
	assets map[common.Address]*AssetInfo
}

func NewAssetRegistry() *AssetRegistry {
	return &AssetRegistry{
		assets: make(map[common.Address]*AssetInfo),
	}
}

// Add registers a collateral asset. Adding a removed asset re-activates it
// under the new oracle binding; decimals of a known token never change.
func (r *AssetRegistry) Add(asset common.Address, oracleID string, decimals uint8) error {
	if asset == (common.Address{}) {
		return ErrInvalidZeroAddress
	}
	if oracleID == "" {
		return fmt.Errorf("empty oracle id: %w", ErrInvalidAddress)
	}

	if info, ok := r.assets[asset]; ok {
		if !info.Removed {
			return fmt.Errorf("asset %s: %w", asset.Hex(), ErrAlreadyExists)
		}
		info.Removed = false
		info.OracleID = oracleID
		return nil
	}

	if decimals > 36 {
		return fmt.Errorf("asset %s decimals %d: %w", asset.Hex(), decimals, ErrInvalidAmount)
	}

	r.assets[asset] = &AssetInfo{
		Asset:    asset,
		OracleID: oracleID,
		Decimals: decimals,
	}
	return nil
}

// Remove marks an asset as no longer mintable or requestable.
func (r *AssetRegistry) Remove(asset common.Address) error {
	info, ok := r.assets[asset]
	if !ok {
		return fmt.Errorf("asset %s: %w", asset.Hex(), ErrNotSupportedAsset)
	}
	if info.Removed {
		return fmt.Errorf("asset %s already removed: %w", asset.Hex(), ErrUnchanged)
	}
	info.Removed = true
	return nil
}

// Reinstate clears the removed flag.
func (r *AssetRegistry) Reinstate(asset common.Address) error {
	info, ok := r.assets[asset]
	if !ok {
		return fmt.Errorf("asset %s: %w", asset.Hex(), ErrNotSupportedAsset)
	}
	if !info.Removed {
		return fmt.Errorf("asset %s already active: %w", asset.Hex(), ErrUnchanged)
	}
	info.Removed = false
	return nil
}

// UpdateOracle rebinds the asset to another price source.
func (r *AssetRegistry) UpdateOracle(asset common.Address, oracleID string) error {
	info, ok := r.assets[asset]
	if !ok {
		return fmt.Errorf("asset %s: %w", asset.Hex(), ErrNotSupportedAsset)
	}
	if oracleID == "" {
		return fmt.Errorf("empty oracle id: %w", ErrInvalidAddress)
	}
	if info.OracleID == oracleID {
		return fmt.Errorf("oracle %s: %w", oracleID, ErrAlreadySet)
	}
	info.OracleID = oracleID
	return nil
}

// Active returns the asset if it is registered and not removed.
func (r *AssetRegistry) Active(asset common.Address) (AssetInfo, error) {
	info, ok := r.assets[asset]
	if !ok || info.Removed {
		return AssetInfo{}, fmt.Errorf("asset %s: %w", asset.Hex(), ErrNotSupportedAsset)
	}
	return *info, nil
}

// Known returns the asset whether or not it has been removed.
func (r *AssetRegistry) Known(asset common.Address) (AssetInfo, error) {
	info, ok := r.assets[asset]
	if !ok {
		return AssetInfo{}, fmt.Errorf("asset %s: %w", asset.Hex(), ErrNotSupportedAsset)
	}
	return *info, nil
}

// List returns every registered asset ordered by address.
func (r *AssetRegistry) List() []AssetInfo {
	out := make([]AssetInfo, 0, len(r.assets))
	for _, info := range r.assets {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Asset.Bytes(), out[j].Asset.Bytes()) < 0
	})
	return out
}

// Load replaces the registry contents, used when restoring a snapshot.
func (r *AssetRegistry) Load(infos []AssetInfo) {
	r.assets = make(map[common.Address]*AssetInfo, len(infos))
	for i := range infos {
		info := infos[i]
		r.assets[info.Asset] = &info
	}
}
