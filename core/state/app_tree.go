package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"omniledger/storage/merkle"
)

// AppStateTree is the per-app commitment pair: one tree over account
// liquidity and one over keyed data. Exactly one local chronicle generation
// owns an instance at a time.
//
// Liquidity is signed; cross-chain transfers can drive a chain's local view
// of an account negative. The liquidity leaf commits the canonical decimal
// encoding of the value so sign survives hashing. Data leaves commit
// keccak(payload); the raw payload is kept off-tree.
type AppStateTree struct {
	liquidity *merkle.Tree
	data      *merkle.Tree

	balances map[common.Address]*big.Int
	payloads map[string][]byte
	total    *big.Int
}

// NewAppStateTree returns an empty state pair.
func NewAppStateTree() *AppStateTree {
	return &AppStateTree{
		liquidity: merkle.NewTree(),
		data:      merkle.NewTree(),
		balances:  make(map[common.Address]*big.Int),
		payloads:  make(map[string][]byte),
		total:     big.NewInt(0),
	}
}

// SetLiquidity sets the account's local liquidity. A nil value is treated as
// zero. The account's leaf index is returned.
func (t *AppStateTree) SetLiquidity(account common.Address, value *big.Int) int {
	if value == nil {
		value = big.NewInt(0)
	}
	prev, ok := t.balances[account]
	if !ok {
		prev = big.NewInt(0)
	}
	t.total = new(big.Int).Add(t.total, new(big.Int).Sub(value, prev))
	t.balances[account] = new(big.Int).Set(value)
	return t.liquidity.Update(account.Bytes(), []byte(value.String()))
}

// Liquidity returns the account's current local liquidity, zero if unset.
func (t *AppStateTree) Liquidity(account common.Address) *big.Int {
	if value, ok := t.balances[account]; ok {
		return new(big.Int).Set(value)
	}
	return big.NewInt(0)
}

// TotalLiquidity returns the sum of all account liquidity in this tree.
func (t *AppStateTree) TotalLiquidity() *big.Int {
	return new(big.Int).Set(t.total)
}

// SetData commits keccak(payload) under key and retains the raw payload. The
// key's leaf index is returned.
func (t *AppStateTree) SetData(key, payload []byte) int {
	hash := ethcrypto.Keccak256(payload)
	t.payloads[string(key)] = append([]byte(nil), payload...)
	return t.data.Update(key, hash)
}

// Data returns the raw payload stored under key.
func (t *AppStateTree) Data(key []byte) ([]byte, bool) {
	payload, ok := t.payloads[string(key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), payload...), true
}

// DataHash returns the committed hash for key.
func (t *AppStateTree) DataHash(key []byte) (common.Hash, bool) {
	payload, ok := t.payloads[string(key)]
	if !ok {
		return common.Hash{}, false
	}
	return ethcrypto.Keccak256Hash(payload), true
}

// LiquidityRoot returns the root of the liquidity tree.
func (t *AppStateTree) LiquidityRoot() common.Hash {
	return t.liquidity.Root()
}

// DataRoot returns the root of the data tree.
func (t *AppStateTree) DataRoot() common.Hash {
	return t.data.Root()
}
