package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"omniledger/core"
	"omniledger/core/settlement"
	"omniledger/gateway/read"
	"omniledger/observability/metrics"
)

// Synchronizer periodically fans a main-roots read out to every configured
// remote chain and folds the reduced answer into the ledger's root cache.
//
// It implements read.App: Reduce deterministically merges the per-chain
// responses into one tagged record list and OnRead applies it. Nothing blocks
// while a round is in flight; an unanswered round simply never resolves and
// the next tick dispatches a fresh one.
type Synchronizer struct {
	ledger   *core.Ledger
	protocol *read.Protocol
	chains   []string

	returnSize uint32
	gasLimit   uint64
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewSynchronizer builds a synchronizer reading from the given remote chains.
func NewSynchronizer(ledger *core.Ledger, protocol *read.Protocol, chains []string, interval time.Duration, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Synchronizer{
		ledger:     ledger,
		protocol:   protocol,
		chains:     append([]string(nil), chains...),
		returnSize: 128,
		gasLimit:   200_000,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		logger:     logger,
	}
}

// Run dispatches sync rounds until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	if len(s.chains) == 0 {
		s.logger.Info("synchronizer idle: no remote chains configured")
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.SyncOnce(); err != nil {
			s.logger.Warn("sync round failed", slog.Any("error", err))
		}
	}
}

// SyncOnce dispatches a single main-roots read to every remote chain.
func (s *Synchronizer) SyncOnce() error {
	callData, err := EncodeRootsQuery()
	if err != nil {
		return fmt.Errorf("sync: encode query: %w", err)
	}
	fee, err := s.protocol.Quote(s.chains, callData, s.returnSize, s.gasLimit)
	if err != nil {
		return fmt.Errorf("sync: quote: %w", err)
	}
	round := uuid.NewString()
	id, err := s.protocol.Read(s, s.chains, callData, []byte(round), s.returnSize, s.gasLimit, fee)
	if err != nil {
		return fmt.Errorf("sync: dispatch: %w", err)
	}
	metrics.Ledger().SyncRound()
	metrics.Ledger().SetPendingReads(s.protocol.Pending())
	s.logger.Debug("sync round dispatched",
		slog.String("round", round),
		slog.Uint64("request", id),
		slog.Int("chains", len(s.chains)),
	)
	return nil
}

// Reduce merges the per-chain responses into one record list, tagged with the
// chain each response came from. It is pure over its inputs so transport
// validators can re-execute it and converge.
func (s *Synchronizer) Reduce(targets []string, callData []byte, responses [][]byte) ([]byte, error) {
	if _, err := DecodeRootsQuery(callData); err != nil {
		return nil, err
	}
	records := make([]settlement.RootRecord, 0, len(targets))
	for i, target := range targets {
		resp, err := DecodeRootsResponse(responses[i])
		if err != nil {
			return nil, fmt.Errorf("sync: response from %s: %w", target, err)
		}
		records = append(records, settlement.RootRecord{
			ChainUID:      target,
			LiquidityRoot: resp.LiquidityRoot,
			DataRoot:      resp.DataRoot,
			Timestamp:     int64(resp.Timestamp),
		})
	}
	return encodeReduced(records)
}

// OnRead applies the reduced record list to the ledger. Per-record failures
// are isolated: one bad record does not block the rest of the round.
func (s *Synchronizer) OnRead(message, extra []byte) error {
	records, err := decodeReduced(message)
	if err != nil {
		return err
	}
	round := string(extra)
	for _, record := range records {
		applied, err := s.ledger.ApplyRemoteRoots(record)
		if err != nil {
			s.logger.Warn("remote root apply failed",
				slog.String("round", round),
				slog.String("chain", record.ChainUID),
				slog.Any("error", err),
			)
			continue
		}
		if !applied {
			s.logger.Debug("remote root dropped as stale",
				slog.String("round", round),
				slog.String("chain", record.ChainUID),
			)
		}
	}
	metrics.Ledger().SetPendingReads(s.protocol.Pending())
	return nil
}
