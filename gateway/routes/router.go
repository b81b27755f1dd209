// Package routes exposes the node's query surface and the cross-chain read
// endpoint over HTTP.
package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omniledger/core"
	"omniledger/core/chronicle"
	ledgersync "omniledger/core/sync"
	"omniledger/gateway/transport"
)

// New builds the node's HTTP handler over the given ledger.
func New(ledger *core.Ledger) http.Handler {
	s := &server{ledger: ledger}
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/read", s.handleRead)
		v1.Get("/roots", s.getRoots)
		v1.Get("/remote/{chainUID}/roots", s.getRemoteRoots)
		v1.Route("/apps/{app}", func(ar chi.Router) {
			ar.Get("/liquidity/{account}", s.getLiquidity)
			ar.Get("/liquidity/{account}/aggregated", s.getAggregatedLiquidity)
			ar.Get("/settled/{chainUID}/{account}", s.getSettledLiquidity)
			ar.Get("/data", s.getData)
			ar.Get("/proofs/liquidity", s.getLiquidityProof)
			ar.Get("/proofs/data", s.getDataProof)
		})
	})
	return r
}

type server struct {
	ledger *core.Ledger
}

type rootsResponse struct {
	LiquidityRoot common.Hash `json:"liquidityRoot"`
	DataRoot      common.Hash `json:"dataRoot"`
	Timestamp     int64       `json:"timestamp"`
}

type liquidityResponse struct {
	App     common.Address `json:"app"`
	Account common.Address `json:"account"`
	Value   string         `json:"value"`
}

type dataResponse struct {
	App     common.Address `json:"app"`
	Key     hexutil.Bytes  `json:"key"`
	Payload hexutil.Bytes  `json:"payload"`
}

type proofResponse struct {
	MainRoot common.Hash   `json:"mainRoot"`
	AppRoot  common.Hash   `json:"appRoot"`
	Index    int           `json:"index"`
	Proof    []common.Hash `json:"proof"`
}

// handleRead answers a remote chain's main-roots query. Unknown methods are
// rejected so a future protocol revision fails loudly instead of returning
// junk.
func (s *server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req transport.ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if _, err := ledgersync.DecodeRootsQuery(req.CallData); err != nil {
		writeBadRequest(w, err)
		return
	}
	liquidity, data, lastChange := s.ledger.GetMainRoots()
	ts := lastChange
	if ts < 0 {
		ts = 0
	}
	payload, err := ledgersync.EncodeRootsResponse(ledgersync.RootsResponse{
		LiquidityRoot: liquidity,
		DataRoot:      data,
		Timestamp:     uint64(ts),
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, transport.ReadReply{Payload: payload})
}

func (s *server) getRoots(w http.ResponseWriter, r *http.Request) {
	liquidity, data, lastChange := s.ledger.GetMainRoots()
	writeJSON(w, rootsResponse{LiquidityRoot: liquidity, DataRoot: data, Timestamp: lastChange})
}

func (s *server) getRemoteRoots(w http.ResponseWriter, r *http.Request) {
	chainUID := chi.URLParam(r, "chainUID")
	record, ok := s.ledger.GetLastReceivedRemoteRoot(chainUID)
	if !ok {
		writeNotFound(w, errors.New("no synchronized roots for chain "+chainUID))
		return
	}
	writeJSON(w, rootsResponse{
		LiquidityRoot: record.LiquidityRoot,
		DataRoot:      record.DataRoot,
		Timestamp:     record.Timestamp,
	})
}

func (s *server) getLiquidity(w http.ResponseWriter, r *http.Request) {
	app, account, ok := appAccountParams(w, r)
	if !ok {
		return
	}
	if asOfParam := r.URL.Query().Get("asOf"); asOfParam != "" {
		asOf, err := strconv.ParseInt(asOfParam, 10, 64)
		if err != nil {
			writeBadRequest(w, errors.New("asOf must be a unix timestamp"))
			return
		}
		value, err := s.ledger.GetLocalLiquidityAt(app, account, asOf)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, liquidityResponse{App: app, Account: account, Value: value.String()})
		return
	}
	value, err := s.ledger.GetLocalLiquidity(app, account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, liquidityResponse{App: app, Account: account, Value: value.String()})
}

func (s *server) getAggregatedLiquidity(w http.ResponseWriter, r *http.Request) {
	app, account, ok := appAccountParams(w, r)
	if !ok {
		return
	}
	value, err := s.ledger.GetAggregatedLiquidity(app, account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, liquidityResponse{App: app, Account: account, Value: value.String()})
}

func (s *server) getSettledLiquidity(w http.ResponseWriter, r *http.Request) {
	app, ok := addressParam(w, r, "app")
	if !ok {
		return
	}
	account, ok := addressParam(w, r, "account")
	if !ok {
		return
	}
	chainUID := chi.URLParam(r, "chainUID")
	value, err := s.ledger.GetSettledLiquidity(app, chainUID, account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, liquidityResponse{App: app, Account: account, Value: value.String()})
}

func (s *server) getData(w http.ResponseWriter, r *http.Request) {
	app, ok := addressParam(w, r, "app")
	if !ok {
		return
	}
	key, err := hexutil.Decode(r.URL.Query().Get("key"))
	if err != nil {
		writeBadRequest(w, errors.New("key must be 0x-prefixed hex"))
		return
	}
	payload, found, err := s.ledger.GetLocalData(app, key)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if !found {
		writeNotFound(w, errors.New("no payload under key"))
		return
	}
	writeJSON(w, dataResponse{App: app, Key: key, Payload: payload})
}

func (s *server) getLiquidityProof(w http.ResponseWriter, r *http.Request) {
	app, ok := addressParam(w, r, "app")
	if !ok {
		return
	}
	mainRoot, appRoot, index, proof, err := s.ledger.MainLiquidityProof(app)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, proofResponse{MainRoot: mainRoot, AppRoot: appRoot, Index: index, Proof: proof})
}

func (s *server) getDataProof(w http.ResponseWriter, r *http.Request) {
	app, ok := addressParam(w, r, "app")
	if !ok {
		return
	}
	mainRoot, appRoot, index, proof, err := s.ledger.MainDataProof(app)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, proofResponse{MainRoot: mainRoot, AppRoot: appRoot, Index: index, Proof: proof})
}

func appAccountParams(w http.ResponseWriter, r *http.Request) (common.Address, common.Address, bool) {
	app, ok := addressParam(w, r, "app")
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	account, ok := addressParam(w, r, "account")
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	return app, account, true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	if !common.IsHexAddress(raw) {
		writeBadRequest(w, errors.New(name+" must be a hex address"))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrUnknownApp), errors.Is(err, chronicle.ErrNoChronicle):
		writeNotFound(w, err)
	default:
		writeInternalError(w, err)
	}
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, err)
}

func writeNotFound(w http.ResponseWriter, err error) {
	writeError(w, http.StatusNotFound, err)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, err)
}
