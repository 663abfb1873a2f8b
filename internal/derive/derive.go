package derive

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/walletmesh/custody-ledger/internal/ledger"
)

var (
	ErrInvalidKey       = errors.New("derive: invalid key")
	ErrInvalidAccountID = errors.New("derive: invalid account id")
)

const (
	accountIDSeparator = "_wallet_"
	accountIDHexLen    = 8
)

// Deriver maps (owner, asset) to the opaque custody account id:
//
//	lower(asset) + "_wallet_" + hex(keccak256(key || owner || upper(asset)))[:8]
//
// The mapping is deterministic for the lifetime of the key and effectively
// one-way: the owner cannot be recovered from an account id without
// recomputing the hash per candidate owner.
type Deriver struct {
	key []byte
}

func NewDeriver(key []byte) (*Deriver, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("%w: need at least 16 bytes, got %d", ErrInvalidKey, len(key))
	}
	return &Deriver{key: append([]byte(nil), key...)}, nil
}

func (d *Deriver) Derive(owner common.Address, asset string) (string, error) {
	if d == nil || len(d.key) == 0 {
		return "", ErrInvalidKey
	}
	asset, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return "", err
	}

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(d.key)
	_, _ = h.Write(owner.Bytes())
	_, _ = h.Write([]byte(asset))
	sum := h.Sum(nil)

	return strings.ToLower(asset) + accountIDSeparator + hex.EncodeToString(sum)[:accountIDHexLen], nil
}

// AccountAsset parses the asset symbol back out of an account id.
func AccountAsset(accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	i := strings.Index(accountID, accountIDSeparator)
	if i <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountID, accountID)
	}
	suffix := accountID[i+len(accountIDSeparator):]
	if len(suffix) != accountIDHexLen {
		return "", fmt.Errorf("%w: bad hash suffix in %q", ErrInvalidAccountID, accountID)
	}
	if _, err := hex.DecodeString(suffix); err != nil {
		return "", fmt.Errorf("%w: bad hash suffix in %q", ErrInvalidAccountID, accountID)
	}
	asset, err := ledger.NormalizeAsset(accountID[:i])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAccountID, err)
	}
	return asset, nil
}
