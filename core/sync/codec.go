package sync

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"omniledger/core/settlement"
)

// MethodMainRoots is the read method a synchronizer dispatches to remote
// chains to fetch their current main roots.
const MethodMainRoots = "getMainRoots"

var errUnknownMethod = errors.New("sync: unknown read method")

type rootsQuery struct {
	Method string
}

// EncodeRootsQuery builds the callData for a main-roots read.
func EncodeRootsQuery() ([]byte, error) {
	return rlp.EncodeToBytes(rootsQuery{Method: MethodMainRoots})
}

// DecodeRootsQuery validates callData and returns the requested method.
func DecodeRootsQuery(data []byte) (string, error) {
	var query rootsQuery
	if err := rlp.DecodeBytes(data, &query); err != nil {
		return "", fmt.Errorf("sync: decode query: %w", err)
	}
	if query.Method != MethodMainRoots {
		return "", errUnknownMethod
	}
	return query.Method, nil
}

// RootsResponse is one chain's answer to a main-roots read.
type RootsResponse struct {
	LiquidityRoot common.Hash
	DataRoot      common.Hash
	Timestamp     uint64
}

// EncodeRootsResponse serialises a response payload.
func EncodeRootsResponse(resp RootsResponse) ([]byte, error) {
	return rlp.EncodeToBytes(resp)
}

// DecodeRootsResponse parses a response payload.
func DecodeRootsResponse(data []byte) (RootsResponse, error) {
	var resp RootsResponse
	if err := rlp.DecodeBytes(data, &resp); err != nil {
		return RootsResponse{}, fmt.Errorf("sync: decode response: %w", err)
	}
	return resp, nil
}

type reducedRecord struct {
	ChainUID      string
	LiquidityRoot common.Hash
	DataRoot      common.Hash
	Timestamp     uint64
}

func encodeReduced(records []settlement.RootRecord) ([]byte, error) {
	stored := make([]reducedRecord, 0, len(records))
	for _, record := range records {
		ts := record.Timestamp
		if ts < 0 {
			ts = 0
		}
		stored = append(stored, reducedRecord{
			ChainUID:      record.ChainUID,
			LiquidityRoot: record.LiquidityRoot,
			DataRoot:      record.DataRoot,
			Timestamp:     uint64(ts),
		})
	}
	return rlp.EncodeToBytes(stored)
}

func decodeReduced(data []byte) ([]settlement.RootRecord, error) {
	var stored []reducedRecord
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("sync: decode reduced message: %w", err)
	}
	records := make([]settlement.RootRecord, 0, len(stored))
	for _, record := range stored {
		records = append(records, settlement.RootRecord{
			ChainUID:      record.ChainUID,
			LiquidityRoot: record.LiquidityRoot,
			DataRoot:      record.DataRoot,
			Timestamp:     int64(record.Timestamp),
		})
	}
	return records, nil
}
