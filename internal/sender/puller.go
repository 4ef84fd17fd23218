package sender

import (
	"context"
	"log/slog"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

// PullModeSource lists the configured P-Modes
type PullModeSource interface {
	All() []*pmode.ProcessingMode
}

// Puller sends pull requests for the MPCs of the pull P-Modes whose leg
// names the address of the peer holding the messages. User messages
// returned on the response go to the signal handler with the other signals.
type Puller struct {
	store     *storage.Coordinator
	transport Transport
	pmodes    PullModeSource
	onSignals SignalHandler
	logger    *slog.Logger
	metrics   *metrics.Metrics

	pollInterval time.Duration
	// maximum pull requests per MPC and cycle
	batchSize int
}

// PullTarget is an MPC pulled with the settings of a P-Mode
type PullTarget struct {
	PModeID string
	MPC     string
}

// NewPuller creates a new background puller
func NewPuller(
	store *storage.Coordinator,
	transport Transport,
	pmodes PullModeSource,
	onSignals SignalHandler,
	cfg *Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Puller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{
		store:        store,
		transport:    transport,
		pmodes:       pmodes,
		onSignals:    onSignals,
		logger:       logger.With("component", "puller"),
		metrics:      m,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
	}
}

// Run pulls every poll interval until ctx is cancelled
func (p *Puller) Run(ctx context.Context) error {
	p.logger.Info("puller started", "poll_interval", p.pollInterval)
	defer p.logger.Info("puller stopped")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PullPending(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("failed to pull messages", "error", err)
			}
		}
	}
}

// Targets returns the MPCs this MSH pulls from its peers, one per MPC and
// address. P-Modes without a protocol address describe messages waiting
// here for the peer's pull requests.
func (p *Puller) Targets() []PullTarget {
	seen := make(map[string]bool)
	var targets []PullTarget
	for _, pm := range p.pmodes.All() {
		if !pm.IsPull() {
			continue
		}
		leg := pm.Leg("")
		if leg == nil || leg.Protocol == nil || leg.Protocol.Address == "" {
			continue
		}
		mpc := pmode.MPC(leg)
		key := leg.Protocol.Address + " " + mpc
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, PullTarget{PModeID: pm.ID, MPC: mpc})
	}
	return targets
}

// PullPending pulls each target until its MPC is empty or the batch size
// is reached and returns the number of user messages received
func (p *Puller) PullPending(ctx context.Context) (int, error) {
	pulled := 0
	for _, target := range p.Targets() {
		for i := 0; i < p.batchSize && ctx.Err() == nil; i++ {
			got, err := p.pull(ctx, target)
			if err != nil {
				p.metrics.RecordCycle("puller", "error")
				return pulled, err
			}
			if !got {
				break
			}
			pulled++
		}
	}
	p.metrics.RecordCycle("puller", "ok")
	return pulled, nil
}

// pull sends one pull request and reports whether a user message came back
func (p *Puller) pull(ctx context.Context, target PullTarget) (bool, error) {
	request := message.NewPullRequest(target.MPC,
		message.WithPMode(target.PModeID),
		message.WithDirection(message.DirectionOut),
	).Build()
	stored, err := p.store.Store(ctx, request, message.StateCreated, "pull request")
	if err != nil {
		return false, err
	}
	log := p.logger.With("message_id", stored.MessageID, "mpc", target.MPC, "pmode", target.PModeID)

	res := p.store.TrySetState(ctx, stored, message.StateCreated, message.StateSending, "")
	if !res.OK() {
		return false, res.Err
	}

	units, err := p.transport.Transmit(ctx, res.Unit)
	if err != nil {
		log.Warn("pull request failed", "error", err)
		p.metrics.RecordTransmission(string(message.KindPullRequest), "failed")
		markFailed(ctx, p.store, p.logger, res.Unit, err)
		return false, nil
	}
	p.metrics.RecordTransmission(string(message.KindPullRequest), "ok")
	if r := p.store.TrySetState(ctx, res.Unit, message.StateSending, message.StateDone, ""); r.Outcome == storage.IOError {
		return false, r.Err
	}

	var signals []*message.MessageUnit
	got := false
	for _, u := range units {
		if isEmptyPartition(u) {
			log.Debug("MPC is empty")
			continue
		}
		if u.Kind == message.KindUserMessage {
			got = true
		}
		signals = append(signals, u)
	}
	if got {
		log.Info("user message pulled")
	}
	if len(signals) > 0 && p.onSignals != nil {
		p.onSignals(ctx, signals)
	}
	return got, nil
}

// isEmptyPartition reports whether unit is the warning a peer returns when
// nothing waits on the pulled MPC
func isEmptyPartition(unit *message.MessageUnit) bool {
	if unit.Kind != message.KindError || len(unit.Errors) == 0 {
		return false
	}
	for _, e := range unit.Errors {
		if !message.ErrEmptyMessagePartition.Is(e) {
			return false
		}
	}
	return true
}
