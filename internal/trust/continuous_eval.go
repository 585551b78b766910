package trust

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zerotrust/overlay/internal/model"
)

// NodeSuspender is implemented by the service layer that knows how to
// commit a Suspend event and revoke the node's outstanding session tokens;
// the sweeper itself never touches the event log directly.
type NodeSuspender interface {
	AutoSuspend(ctx context.Context, nodeID string, reason string) error
}

// Snapshot is the minimal view of live nodes the sweeper needs; satisfied
// by *projection.Store.
type Snapshot interface {
	AllNodes() []*model.Node
}

// SweepConfig configures the continuous trust re-evaluation loop, adapted
// from the teacher's ContinuousAccessEvaluator one field at a time.
type SweepConfig struct {
	Interval time.Duration
}

// Sweeper is a background goroutine that periodically re-checks every
// active node's current trust score and forces suspension the moment a
// score crosses into the critical band — the automatic half of §4.5's
// "critical → isolate" action mapping and invariant 7.
type Sweeper struct {
	mu        sync.Mutex
	engine    *Engine
	snapshot  Snapshot
	suspender NodeSuspender
	cfg       SweepConfig
	stopCh    chan struct{}
	stopped   bool
}

func NewSweeper(engine *Engine, snapshot Snapshot, suspender NodeSuspender, cfg SweepConfig) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Sweeper{
		engine: engine, snapshot: snapshot, suspender: suspender, cfg: cfg,
		stopCh: make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		close(s.stopCh)
		s.stopped = true
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for _, n := range s.snapshot.AllNodes() {
		if n.Status != model.NodeActive {
			continue
		}
		risk := s.engine.RiskLevel(n.TrustScore)
		if risk != model.RiskCritical {
			continue
		}
		if err := s.suspender.AutoSuspend(ctx, n.ID, "trust score below critical threshold"); err != nil {
			slog.Warn("trust sweep: auto-suspend failed", "node_id", n.ID, "error", err)
		}
	}
}
