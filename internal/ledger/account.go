package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeLiquidatorCredit AccountSubType = iota

	// System sub-types
	SubTypeSystemClearingHouse
	SubTypeSystemInsuranceFund

	// External sub-types
	SubTypeExternalTraderFunds
	SubTypeExternalInsuranceCapital
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, market name for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for a market's system accounts.
// Names longer than 16 bytes are truncated.
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		name := string(bytes.TrimRight(k.EntityID[:], "\x00"))
		return fmt.Sprintf("system:%s:%s:%s", name, k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeLiquidatorCredit:
		return "liquidator_credit"
	case SubTypeSystemClearingHouse:
		return "clearing_house"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeExternalTraderFunds:
		return "trader_funds"
	case SubTypeExternalInsuranceCapital:
		return "insurance_capital"
	default:
		return "unknown"
	}
}

// MarketAccounts groups the accounts a single market settles against.
type MarketAccounts struct {
	MarketID         string
	AssetID          AssetID
	ClearingHouse    AccountKey
	InsuranceFund    AccountKey
	TraderFunds      AccountKey
	InsuranceCapital AccountKey
}

func NewMarketAccounts(marketID string, assetID AssetID) MarketAccounts {
	return MarketAccounts{
		MarketID:         marketID,
		AssetID:          assetID,
		ClearingHouse:    NewSystemAccountKey(marketID, SubTypeSystemClearingHouse, assetID),
		InsuranceFund:    NewSystemAccountKey(marketID, SubTypeSystemInsuranceFund, assetID),
		TraderFunds:      NewExternalAccountKey(SubTypeExternalTraderFunds, assetID),
		InsuranceCapital: NewExternalAccountKey(SubTypeExternalInsuranceCapital, assetID),
	}
}

// LiquidatorCredit returns the fee credit account of a liquidator.
func (a MarketAccounts) LiquidatorCredit(liquidator uuid.UUID) AccountKey {
	return NewUserAccountKey(liquidator, SubTypeLiquidatorCredit, a.AssetID)
}

var subTypeByName = map[string]AccountSubType{
	"liquidator_credit": SubTypeLiquidatorCredit,
	"clearing_house":    SubTypeSystemClearingHouse,
	"insurance_fund":    SubTypeSystemInsuranceFund,
	"trader_funds":      SubTypeExternalTraderFunds,
	"insurance_capital": SubTypeExternalInsuranceCapital,
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	asset := func(name string) (AssetID, error) {
		id, ok := GetAssetID(name)
		if !ok {
			return 0, fmt.Errorf("account %q: unknown asset %q", path, name)
		}
		return id, nil
	}
	subType := func(name string) (AccountSubType, error) {
		st, ok := subTypeByName[name]
		if !ok {
			return 0, fmt.Errorf("account %q: unknown sub-type %q", path, name)
		}
		return st, nil
	}

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account %q: %w", path, err)
		}
		st, err := subType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		id, err := asset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewUserAccountKey(uid, st, id), nil

	case len(parts) == 4 && parts[0] == "system":
		st, err := subType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		id, err := asset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewSystemAccountKey(parts[1], st, id), nil

	case len(parts) == 3 && parts[0] == "external":
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		id, err := asset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewExternalAccountKey(st, id), nil
	}
	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
