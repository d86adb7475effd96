package community

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrAlreadyDispatched is returned when a distribution for the same reward id
// has already been dispatched (or completed). No remote call is made.
var ErrAlreadyDispatched = errors.New("distribution already dispatched")

type dispatchState uint8

const (
	dispatchPending dispatchState = iota + 1
	dispatchDone
)

type dispatch struct {
	state dispatchState
	at    time.Time
}

type TriggerConfig struct {
	Logger *slog.Logger
	Client Client
	Clock  clockwork.Clock
}

func (cfg *TriggerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("community client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Trigger guards reward distribution against duplicate dispatch. The guard is
// set synchronously, before the remote call is issued, so two rapid requests
// for the same reward can never both reach the service.
type Trigger struct {
	log *slog.Logger
	cfg TriggerConfig

	mu         sync.Mutex
	dispatched map[string]dispatch
}

func NewTrigger(cfg TriggerConfig) (*Trigger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Trigger{
		log:        cfg.Logger,
		cfg:        cfg,
		dispatched: make(map[string]dispatch),
	}, nil
}

// Distribute requests a per-participant payout of the reward pool. On failure
// the guard is released so the action can be re-attempted; on success the
// reward is terminal and stays guarded.
func (t *Trigger) Distribute(ctx context.Context, rewardID string) error {
	if rewardID == "" {
		return errors.New("reward id is required")
	}

	t.mu.Lock()
	if _, ok := t.dispatched[rewardID]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: reward %s", ErrAlreadyDispatched, rewardID)
	}
	t.dispatched[rewardID] = dispatch{state: dispatchPending, at: t.cfg.Clock.Now()}
	t.mu.Unlock()

	key := uuid.NewString()
	if err := t.cfg.Client.DistributeRewards(ctx, rewardID, key); err != nil {
		t.mu.Lock()
		delete(t.dispatched, rewardID)
		t.mu.Unlock()
		t.log.Warn("trigger: distribution failed, re-enabled", "reward", rewardID, "error", err)
		return err
	}

	t.mu.Lock()
	t.dispatched[rewardID] = dispatch{state: dispatchDone, at: t.cfg.Clock.Now()}
	t.mu.Unlock()
	t.log.Info("trigger: rewards distributed", "reward", rewardID, "idempotency_key", key)
	return nil
}

// Distributed reports whether a reward has completed distribution.
func (t *Trigger) Distributed(rewardID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispatched[rewardID].state == dispatchDone
}
