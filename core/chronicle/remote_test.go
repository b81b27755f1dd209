package chronicle

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"omniledger/core/state"
	"omniledger/storage"
)

func newTestRemote(t *testing.T, store Storage) *RemoteAppChronicle {
	t.Helper()
	registry := NewRegistry(store)
	registry.SetNowFunc(func() int64 { return 1000 })
	chron, err := registry.AddRemoteAppChronicle(common.HexToAddress("0xaa"), "chain-b", 1)
	if err != nil {
		t.Fatalf("open remote chronicle: %v", err)
	}
	return chron
}

func TestSettleLiquidityAndQuery(t *testing.T) {
	chron := newTestRemote(t, state.NewKVStore(storage.NewMemDB()))
	root := ethcrypto.Keccak256Hash([]byte("root-1"))
	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")

	err := chron.SettleLiquidity(100, root, []common.Address{alice, bob}, []*big.Int{big.NewInt(10), big.NewInt(-4)})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := chron.SettledLiquidity(alice); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("alice settled = %s", got)
	}
	if got := chron.SettledLiquidity(bob); got.Cmp(big.NewInt(-4)) != 0 {
		t.Fatalf("bob settled = %s", got)
	}
	if got := chron.TotalSettledLiquidity(); got.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("total settled = %s", got)
	}
	if !chron.IsLiquiditySettled(100) || chron.IsLiquiditySettled(101) {
		t.Fatalf("settled set mismatch")
	}
	if chron.LastSettledTimestamp() != 100 {
		t.Fatalf("last settled = %d", chron.LastSettledTimestamp())
	}

	root2 := ethcrypto.Keccak256Hash([]byte("root-2"))
	if err := chron.SettleLiquidity(200, root2, []common.Address{alice}, []*big.Int{big.NewInt(30)}); err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if got := chron.SettledLiquidityAt(alice, 150); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("alice at 150 = %s", got)
	}
	if got := chron.SettledLiquidity(alice); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("alice latest = %s", got)
	}
	if got := chron.TotalSettledLiquidity(); got.Cmp(big.NewInt(26)) != 0 {
		t.Fatalf("total after second settle = %s", got)
	}
}

func TestSettleLiquidityIdempotent(t *testing.T) {
	chron := newTestRemote(t, state.NewKVStore(storage.NewMemDB()))
	root := ethcrypto.Keccak256Hash([]byte("root"))
	alice := common.HexToAddress("0x01")

	if err := chron.SettleLiquidity(100, root, []common.Address{alice}, []*big.Int{big.NewInt(10)}); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	err := chron.SettleLiquidity(100, root, []common.Address{alice}, []*big.Int{big.NewInt(10)})
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("replay accepted: %v", err)
	}
	// Ledger unchanged after the rejected replay.
	if got := chron.SettledLiquidity(alice); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("alice settled = %s", got)
	}
	if got := chron.TotalSettledLiquidity(); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("total = %s", got)
	}
}

func TestSettleLengthMismatch(t *testing.T) {
	chron := newTestRemote(t, state.NewKVStore(storage.NewMemDB()))
	root := ethcrypto.Keccak256Hash([]byte("root"))
	err := chron.SettleLiquidity(100, root, []common.Address{common.HexToAddress("0x01")}, nil)
	if !errors.Is(err, ErrInvalidLengths) {
		t.Fatalf("length mismatch accepted: %v", err)
	}
	if chron.IsLiquiditySettled(100) {
		t.Fatalf("rejected batch marked settled")
	}
	if err := chron.SettleData(100, root, [][]byte{[]byte("k")}, nil); !errors.Is(err, ErrInvalidLengths) {
		t.Fatalf("data length mismatch accepted: %v", err)
	}
}

func TestSettleData(t *testing.T) {
	chron := newTestRemote(t, state.NewKVStore(storage.NewMemDB()))
	root := ethcrypto.Keccak256Hash([]byte("data-root"))

	err := chron.SettleData(100, root, [][]byte{[]byte("k1"), []byte("k2")}, [][]byte{[]byte("v1"), []byte("v2")})
	if err != nil {
		t.Fatalf("settle data: %v", err)
	}
	if v, ok := chron.SettledData([]byte("k1")); !ok || !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("k1 = %q ok=%v", v, ok)
	}
	if _, ok := chron.SettledData([]byte("k3")); ok {
		t.Fatalf("unsettled key readable")
	}
	if err := chron.SettleData(100, root, [][]byte{[]byte("k1")}, [][]byte{[]byte("v9")}); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("data replay accepted: %v", err)
	}
	// Liquidity and data settled sets are independent.
	if err := chron.SettleLiquidity(100, root, nil, nil); err != nil {
		t.Fatalf("liquidity settle at same timestamp: %v", err)
	}
}

func TestSettleLiquidityOutOfOrderKeepsTotal(t *testing.T) {
	chron := newTestRemote(t, state.NewKVStore(storage.NewMemDB()))
	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")

	root2 := ethcrypto.Keccak256Hash([]byte("root-200"))
	if err := chron.SettleLiquidity(200, root2, []common.Address{alice}, []*big.Int{big.NewInt(30)}); err != nil {
		t.Fatalf("settle t=200: %v", err)
	}
	// The cache keeps history, so a batch for an older snapshot can land
	// after a newer one. It backfills history but must not move the total:
	// alice's latest settled value is still 30. Bob has no newer entry, so
	// his value does count.
	root1 := ethcrypto.Keccak256Hash([]byte("root-100"))
	err := chron.SettleLiquidity(100, root1, []common.Address{alice, bob}, []*big.Int{big.NewInt(5), big.NewInt(7)})
	if err != nil {
		t.Fatalf("settle t=100: %v", err)
	}

	if got := chron.SettledLiquidity(alice); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("alice latest = %s", got)
	}
	if got := chron.SettledLiquidityAt(alice, 150); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("alice at 150 = %s", got)
	}
	if got := chron.TotalSettledLiquidity(); got.Cmp(big.NewInt(37)) != 0 {
		t.Fatalf("total = %s want 37", got)
	}
	if chron.LastSettledTimestamp() != 200 {
		t.Fatalf("last settled = %d", chron.LastSettledTimestamp())
	}
}

// faultStore wraps a Storage and fails every write while tripped.
type faultStore struct {
	Storage
	failPuts bool
}

func (s *faultStore) KVPut(key []byte, value interface{}) error {
	if s.failPuts {
		return errors.New("disk full")
	}
	return s.Storage.KVPut(key, value)
}

func TestSettleLiquidityPersistFailureIsRetryable(t *testing.T) {
	store := &faultStore{Storage: state.NewKVStore(storage.NewMemDB())}
	chron := newTestRemote(t, store)
	root := ethcrypto.Keccak256Hash([]byte("root"))
	alice := common.HexToAddress("0x01")

	store.failPuts = true
	err := chron.SettleLiquidity(100, root, []common.Address{alice}, []*big.Int{big.NewInt(10)})
	if err == nil || errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("persist failure not surfaced: %v", err)
	}
	// The in-memory ledger must be untouched so the batch stays retryable.
	if chron.IsLiquiditySettled(100) {
		t.Fatalf("failed batch marked settled")
	}
	if got := chron.SettledLiquidity(alice); got.Sign() != 0 {
		t.Fatalf("failed batch applied: %s", got)
	}
	if got := chron.TotalSettledLiquidity(); got.Sign() != 0 {
		t.Fatalf("failed batch moved total: %s", got)
	}

	store.failPuts = false
	if err := chron.SettleLiquidity(100, root, []common.Address{alice}, []*big.Int{big.NewInt(10)}); err != nil {
		t.Fatalf("retry after persist failure: %v", err)
	}
	if got := chron.SettledLiquidity(alice); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("retried settle = %s", got)
	}
}

func TestSettleDataPersistFailureIsRetryable(t *testing.T) {
	store := &faultStore{Storage: state.NewKVStore(storage.NewMemDB())}
	chron := newTestRemote(t, store)
	root := ethcrypto.Keccak256Hash([]byte("root"))

	store.failPuts = true
	if err := chron.SettleData(100, root, [][]byte{[]byte("k")}, [][]byte{[]byte("v")}); err == nil {
		t.Fatalf("persist failure not surfaced")
	}
	if chron.IsDataSettled(100) {
		t.Fatalf("failed batch marked settled")
	}
	if _, ok := chron.SettledData([]byte("k")); ok {
		t.Fatalf("failed batch applied")
	}

	store.failPuts = false
	if err := chron.SettleData(100, root, [][]byte{[]byte("k")}, [][]byte{[]byte("v")}); err != nil {
		t.Fatalf("retry after persist failure: %v", err)
	}
	if v, ok := chron.SettledData([]byte("k")); !ok || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("retried data = %q ok=%v", v, ok)
	}
}

func TestLedgerRehydratesFromStorage(t *testing.T) {
	store := state.NewKVStore(storage.NewMemDB())
	first := newTestRemote(t, store)
	root := ethcrypto.Keccak256Hash([]byte("root"))
	alice := common.HexToAddress("0x01")

	if err := first.SettleLiquidity(100, root, []common.Address{alice}, []*big.Int{big.NewInt(42)}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := first.SettleData(150, root, [][]byte{[]byte("k")}, [][]byte{[]byte("v")}); err != nil {
		t.Fatalf("settle data: %v", err)
	}

	// Reopen the same triple against the same storage: the ledger must come
	// back with values, totals and the replay guard intact.
	reopened := newTestRemote(t, store)
	if got := reopened.SettledLiquidity(alice); got.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("rehydrated liquidity = %s", got)
	}
	if got := reopened.TotalSettledLiquidity(); got.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("rehydrated total = %s", got)
	}
	if v, ok := reopened.SettledData([]byte("k")); !ok || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("rehydrated data = %q ok=%v", v, ok)
	}
	if reopened.LastSettledTimestamp() != 150 {
		t.Fatalf("rehydrated last settled = %d", reopened.LastSettledTimestamp())
	}
	err := reopened.SettleLiquidity(100, root, []common.Address{alice}, []*big.Int{big.NewInt(42)})
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("replay guard lost across reopen: %v", err)
	}
}
