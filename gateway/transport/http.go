// Package transport carries cross-chain reads between nodes over plain HTTP.
// Each target chain exposes a read endpoint; a response travels back on the
// HTTP reply and re-enters the local protocol as if the messaging layer had
// delivered it.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"omniledger/gateway/read"
)

// ErrUnknownTarget is returned for a chain with no configured endpoint.
var ErrUnknownTarget = errors.New("transport: no endpoint for target chain")

const readPath = "/v1/read"

// ReadRequest is the wire form of a dispatched read.
type ReadRequest struct {
	RequestID uint64        `json:"requestId"`
	Source    string        `json:"source"`
	CallData  hexutil.Bytes `json:"callData"`
}

// ReadReply is the wire form of a target's answer.
type ReadReply struct {
	Payload hexutil.Bytes `json:"payload"`
}

// HTTP implements read.Transport over per-chain HTTP endpoints with a flat
// per-target fee.
type HTTP struct {
	source    string
	endpoints map[string]string
	fee       *big.Int
	client    *http.Client
	protocol  *read.Protocol
	logger    *slog.Logger
}

// NewHTTP builds a transport for the given chain endpoints. source is the
// local chain identifier sent with every request.
func NewHTTP(source string, endpoints map[string]string, feeWei int64, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	eps := make(map[string]string, len(endpoints))
	for chain, endpoint := range endpoints {
		eps[chain] = endpoint
	}
	return &HTTP{
		source:    source,
		endpoints: eps,
		fee:       big.NewInt(feeWei),
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
}

// Bind attaches the protocol responses re-enter through. Must be called
// before the first Send.
func (t *HTTP) Bind(protocol *read.Protocol) { t.protocol = protocol }

// Quote returns the flat per-target fee.
func (t *HTTP) Quote(target string, callData []byte, returnSize uint32, gasLimit uint64) (*big.Int, error) {
	if _, ok := t.endpoints[target]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return new(big.Int).Set(t.fee), nil
}

// Send posts the read to the target chain and feeds the reply back into the
// protocol.
func (t *HTTP) Send(requestID uint64, target string, callData []byte) error {
	endpoint, ok := t.endpoints[target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	body, err := json.Marshal(ReadRequest{
		RequestID: requestID,
		Source:    t.source,
		CallData:  callData,
	})
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	resp, err := t.client.Post(endpoint+readPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: post to %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("transport: %s answered %s", target, resp.Status)
	}
	var reply ReadReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		return fmt.Errorf("transport: decode reply from %s: %w", target, err)
	}
	if err := t.protocol.HandleResponse(requestID, target, reply.Payload); err != nil {
		return fmt.Errorf("transport: handle reply from %s: %w", target, err)
	}
	t.logger.Debug("read answered",
		slog.Uint64("request", requestID),
		slog.String("target", target),
	)
	return nil
}
