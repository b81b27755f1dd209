package routes

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"omniledger/core"
	ledgersync "omniledger/core/sync"
	"omniledger/gateway/read"
	"omniledger/gateway/transport"
	"omniledger/storage"
)

var (
	routeApp     = common.HexToAddress("0xaa")
	routeOwner   = common.HexToAddress("0x0a")
	routeSettler = common.HexToAddress("0x0b")
	routeAccount = common.HexToAddress("0x01")
)

func newTestServer(t *testing.T) (*httptest.Server, *core.Ledger) {
	t.Helper()
	ledger := core.NewLedger("chain-a", storage.NewMemDB(), nil)
	ledger.SetNowFunc(func() int64 { return 1000 })
	if err := ledger.RegisterApp(routeApp, routeOwner, routeSettler); err != nil {
		t.Fatalf("register app: %v", err)
	}
	server := httptest.NewServer(New(ledger))
	t.Cleanup(server.Close)
	return server, ledger
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestGetRoots(t *testing.T) {
	server, ledger := newTestServer(t)
	var got rootsResponse
	if status := getJSON(t, server.URL+"/v1/roots", &got); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	liquidity, data, lastChange := ledger.GetMainRoots()
	if got.LiquidityRoot != liquidity || got.DataRoot != data || got.Timestamp != lastChange {
		t.Fatalf("roots = %+v", got)
	}
}

func TestGetLiquidity(t *testing.T) {
	server, ledger := newTestServer(t)
	if err := ledger.UpdateLocalLiquidity(routeApp, routeAccount, big.NewInt(42)); err != nil {
		t.Fatalf("update: %v", err)
	}
	base := server.URL + "/v1/apps/" + routeApp.Hex() + "/liquidity/" + routeAccount.Hex()

	var got liquidityResponse
	if status := getJSON(t, base, &got); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if got.Value != "42" {
		t.Fatalf("value = %q", got.Value)
	}
	// Before the write the floor lookup reports zero.
	if status := getJSON(t, base+"?asOf=500", &got); status != http.StatusOK {
		t.Fatalf("asOf status = %d", status)
	}
	if got.Value != "0" {
		t.Fatalf("asOf value = %q", got.Value)
	}
	if status := getJSON(t, base+"?asOf=bogus", nil); status != http.StatusBadRequest {
		t.Fatalf("bad asOf status = %d", status)
	}
}

func TestUnknownAppAndBadAddress(t *testing.T) {
	server, _ := newTestServer(t)
	unknown := common.HexToAddress("0xdead")
	url := server.URL + "/v1/apps/" + unknown.Hex() + "/liquidity/" + routeAccount.Hex()
	if status := getJSON(t, url, nil); status != http.StatusNotFound {
		t.Fatalf("unknown app status = %d", status)
	}
	url = server.URL + "/v1/apps/not-an-address/liquidity/" + routeAccount.Hex()
	if status := getJSON(t, url, nil); status != http.StatusBadRequest {
		t.Fatalf("bad address status = %d", status)
	}
	if status := getJSON(t, server.URL+"/v1/remote/chain-z/roots", nil); status != http.StatusNotFound {
		t.Fatalf("unknown chain status = %d", status)
	}
}

func TestGetData(t *testing.T) {
	server, ledger := newTestServer(t)
	if err := ledger.UpdateLocalData(routeApp, []byte{0x01, 0x02}, []byte("payload")); err != nil {
		t.Fatalf("update data: %v", err)
	}
	base := server.URL + "/v1/apps/" + routeApp.Hex() + "/data"
	var got dataResponse
	if status := getJSON(t, base+"?key=0x0102", &got); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if string(got.Payload) != "payload" {
		t.Fatalf("payload = %q", got.Payload)
	}
	if status := getJSON(t, base+"?key=0x0103", nil); status != http.StatusNotFound {
		t.Fatalf("missing key status = %d", status)
	}
	if status := getJSON(t, base+"?key=zzz", nil); status != http.StatusBadRequest {
		t.Fatalf("bad key status = %d", status)
	}
}

func TestGetLiquidityProof(t *testing.T) {
	server, ledger := newTestServer(t)
	if err := ledger.UpdateLocalLiquidity(routeApp, routeAccount, big.NewInt(5)); err != nil {
		t.Fatalf("update: %v", err)
	}
	var got proofResponse
	url := server.URL + "/v1/apps/" + routeApp.Hex() + "/proofs/liquidity"
	if status := getJSON(t, url, &got); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	liquidity, _, _ := ledger.GetMainRoots()
	if got.MainRoot != liquidity {
		t.Fatalf("proof main root = %x want %x", got.MainRoot, liquidity)
	}
}

// TestSyncOverHTTP runs a full round: the local node dispatches a main-roots
// read through the HTTP transport to a remote node served by this router, and
// the reply lands in the local root cache.
func TestSyncOverHTTP(t *testing.T) {
	remoteServer, remoteLedger := newTestServer(t)
	if err := remoteLedger.UpdateLocalLiquidity(routeApp, routeAccount, big.NewInt(9)); err != nil {
		t.Fatalf("remote update: %v", err)
	}

	local := core.NewLedger("chain-b", storage.NewMemDB(), nil)
	httpTransport := transport.NewHTTP("chain-b", map[string]string{"chain-a": remoteServer.URL}, 1, nil)
	protocol := read.NewProtocol(httpTransport, nil)
	httpTransport.Bind(protocol)
	sync := ledgersync.NewSynchronizer(local, protocol, []string{"chain-a"}, time.Second, nil)

	if err := sync.SyncOnce(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	record, ok := local.GetLastReceivedRemoteRoot("chain-a")
	if !ok {
		t.Fatalf("no record synchronized")
	}
	wantLiquidity, wantData, wantTS := remoteLedger.GetMainRoots()
	if record.LiquidityRoot != wantLiquidity || record.DataRoot != wantData || record.Timestamp != wantTS {
		t.Fatalf("record = %+v want %x %x %d", record, wantLiquidity, wantData, wantTS)
	}
}
