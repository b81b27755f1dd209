package read

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
)

var (
	// ErrInsufficientFee rejects a dispatch before any request state is
	// created; the attached payment must cover the quoted fee.
	ErrInsufficientFee = errors.New("read: attached fee below quote")
	// ErrNoTargets rejects a dispatch with an empty target list.
	ErrNoTargets = errors.New("read: no target chains")
	// ErrDuplicateTarget rejects a dispatch listing the same chain twice.
	// Responses are keyed per target, so a duplicated target could never
	// gather a full response set and the request would hang forever.
	ErrDuplicateTarget = errors.New("read: duplicate target chain")
	// ErrUnknownRequest is returned for a response that references no
	// pending request.
	ErrUnknownRequest = errors.New("read: unknown request id")
	// ErrDuplicateResponse is returned when a target answers a request it
	// already answered.
	ErrDuplicateResponse = errors.New("read: duplicate response for target")
)

// State tracks a request through its lifecycle. A request is PENDING from
// dispatch until its last response arrives, REDUCING while the app's reduce
// runs, and DELIVERED once the callback has fired; delivered requests are
// dropped, so an id resolves at most once.
type State int

const (
	StatePending State = iota
	StateReducing
	StateDelivered
)

// App is the capability a registered consumer implements to receive
// cross-chain reads.
//
// Reduce must be a pure function of its inputs: transport validators may
// re-execute it independently and have to converge on the same bytes.
type App interface {
	// Reduce folds the per-target responses, ordered as the dispatched
	// target list, into a single message.
	Reduce(targets []string, callData []byte, responses [][]byte) ([]byte, error)
	// OnRead delivers the reduced message along with the opaque extra
	// bytes supplied at dispatch, unchanged.
	OnRead(message, extra []byte) error
}

// Transport is the boundary to the underlying cross-chain messaging layer.
// The protocol quotes and dispatches through it and never blocks on it;
// responses re-enter through HandleResponse.
type Transport interface {
	Quote(target string, callData []byte, returnSize uint32, gasLimit uint64) (*big.Int, error)
	Send(requestID uint64, target string, callData []byte) error
}

type pendingRead struct {
	app       App
	targets   []string
	callData  []byte
	extra     []byte
	state     State
	responses map[string][]byte
}

// Protocol is the dispatch/aggregate/deliver state machine for cross-chain
// reads. Request ids are monotonic per protocol instance; callbacks for
// different ids carry no ordering guarantee; an unanswered request never
// resolves — timeouts are a transport concern.
type Protocol struct {
	mu        sync.Mutex
	transport Transport
	nextID    uint64
	pending   map[uint64]*pendingRead
	logger    *slog.Logger
}

// NewProtocol creates a protocol bound to the given transport.
func NewProtocol(transport Transport, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		transport: transport,
		pending:   make(map[uint64]*pendingRead),
		logger:    logger,
	}
}

// Quote sums the per-target transport quotes for a read over targets.
func (p *Protocol) Quote(targets []string, callData []byte, returnSize uint32, gasLimit uint64) (*big.Int, error) {
	total := big.NewInt(0)
	for _, target := range targets {
		fee, err := p.transport.Quote(target, callData, returnSize, gasLimit)
		if err != nil {
			return nil, fmt.Errorf("quote %s: %w", target, err)
		}
		total = new(big.Int).Add(total, fee)
	}
	return total, nil
}

// Read dispatches callData to every target and registers app for the reduced
// callback. The attached fee must cover the quote; on any pre-dispatch
// failure no request state exists.
func (p *Protocol) Read(app App, targets []string, callData, extra []byte, returnSize uint32, gasLimit uint64, fee *big.Int) (uint64, error) {
	if len(targets) == 0 {
		return 0, ErrNoTargets
	}
	seen := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		if _, dup := seen[target]; dup {
			return 0, ErrDuplicateTarget
		}
		seen[target] = struct{}{}
	}
	quote, err := p.Quote(targets, callData, returnSize, gasLimit)
	if err != nil {
		return 0, err
	}
	if fee == nil || fee.Cmp(quote) < 0 {
		return 0, ErrInsufficientFee
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.pending[id] = &pendingRead{
		app:       app,
		targets:   append([]string(nil), targets...),
		callData:  append([]byte(nil), callData...),
		extra:     append([]byte(nil), extra...),
		state:     StatePending,
		responses: make(map[string][]byte, len(targets)),
	}
	p.mu.Unlock()

	for _, target := range targets {
		if err := p.transport.Send(id, target, callData); err != nil {
			// The request stays pending: targets already messaged may
			// still answer, targets never reached simply never do.
			p.logger.Warn("read dispatch failed",
				slog.Uint64("request", id),
				slog.String("target", target),
				slog.Any("error", err),
			)
		}
	}
	p.logger.Debug("read dispatched", slog.Uint64("request", id), slog.Int("targets", len(targets)))
	return id, nil
}

// Pending reports the number of unresolved requests.
func (p *Protocol) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// HandleResponse records one target's answer. When the last expected target
// responds, the app's Reduce runs exactly once over the full response set and
// OnRead fires exactly once with the reduced message.
func (p *Protocol) HandleResponse(requestID uint64, target string, payload []byte) error {
	p.mu.Lock()
	req, ok := p.pending[requestID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownRequest
	}
	if _, answered := req.responses[target]; answered {
		p.mu.Unlock()
		return ErrDuplicateResponse
	}
	known := false
	for _, candidate := range req.targets {
		if candidate == target {
			known = true
			break
		}
	}
	if !known {
		p.mu.Unlock()
		return fmt.Errorf("read: target %s not part of request %d", target, requestID)
	}
	req.responses[target] = append([]byte(nil), payload...)
	if len(req.responses) < len(req.targets) {
		p.mu.Unlock()
		return nil
	}
	req.state = StateReducing
	delete(p.pending, requestID)
	p.mu.Unlock()

	responses := make([][]byte, len(req.targets))
	for i, candidate := range req.targets {
		responses[i] = req.responses[candidate]
	}
	message, err := req.app.Reduce(req.targets, req.callData, responses)
	if err != nil {
		return fmt.Errorf("read: reduce request %d: %w", requestID, err)
	}
	req.state = StateDelivered
	if err := req.app.OnRead(message, req.extra); err != nil {
		return fmt.Errorf("read: deliver request %d: %w", requestID, err)
	}
	return nil
}
