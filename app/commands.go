package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"tower/backlog"
	"tower/events"
	"tower/miner"
	"tower/network"
	"tower/reconcile"
	"tower/stats"
	"tower/types"
)

// Environments accepted by SetEnv.
const (
	EnvTest = "test"
	EnvProd = "prod"
	envVar  = "NODE_ENV"
)

var (
	ErrNoTowerState = errors.New("no tower state on chain for this account")
	ErrBadEnv       = errors.New("env must be test or prod")
)

// fail converts err to the structured form every command returns.
func fail(err error) error {
	if err == nil {
		return nil
	}
	return types.AsTowerError(err)
}

func (a *App) StartTowerListener() error {
	if err := a.requireSigner(); err != nil {
		return err
	}
	return fail(a.container.Listener.Start(a.ctx))
}

func (a *App) StopTowerListener() {
	a.container.Listener.Stop()
}

// TriggerTower queues one attempt on the running listener; the outcome
// arrives as a tower-event or tower-error carrying the returned id.
func (a *App) TriggerTower() (string, error) {
	id, err := a.container.Listener.Trigger()
	return id, fail(err)
}

// TowerOnce mines and commits one proof synchronously.
func (a *App) TowerOnce(ctx context.Context) (*types.ProofRecord, error) {
	if err := a.requireSigner(); err != nil {
		return nil, err
	}
	rec, err := a.container.Orchestrator.ProduceAndCommit(ctx)
	return rec, fail(err)
}

// SubmitBacklog flushes the backlog now.
func (a *App) SubmitBacklog(ctx context.Context) (*backlog.FlushReport, error) {
	if err := a.requireSigner(); err != nil {
		return nil, err
	}
	report, err := a.container.Orchestrator.FlushBacklog(ctx)
	return report, fail(err)
}

// DiscardBacklog drops the backlog from height up.
func (a *App) DiscardBacklog(from uint64) (int, error) {
	n, err := a.container.Backlog.DiscardFrom(from)
	return n, fail(err)
}

func (a *App) GetBacklog() []*types.BacklogEntry {
	return a.container.Backlog.Entries()
}

func (a *App) GetOnchainTowerState(ctx context.Context) (*types.TowerState, error) {
	state, err := a.container.Gateway.GetMinerState(ctx, a.container.Config.Profile.Account)
	if err != nil {
		return nil, fail(err)
	}
	if state == nil {
		return nil, types.NewTowerError(types.CategoryMisc, ErrNoTowerState, "")
	}
	return state, nil
}

// RestoreProofsFromChain reconciles the local tower with the chain and emits
// reconcile-complete.
func (a *App) RestoreProofsFromChain(ctx context.Context) (*reconcile.Report, error) {
	report, err := a.container.Reconcile.Reconcile(ctx)
	if err != nil {
		return report, fail(err)
	}
	events.Emit(a.container.Bus, types.EventReconcileComplete, report)
	return report, nil
}

// GetLocalProofs lists the proof files, lowest height first.
func (a *App) GetLocalProofs() ([]string, error) {
	if err := a.container.Store.Refresh(); err != nil {
		return nil, fail(err)
	}
	paths, err := a.container.Store.Paths()
	return paths, fail(err)
}

// TowerStatus 塔状态汇总
type TowerStatus struct {
	Account         string             `json:"account"`
	LatestProof     *types.ProofRecord `json:"latest_proof,omitempty"`
	Onchain         *types.TowerState  `json:"onchain,omitempty"`
	OnchainError    *types.TowerError  `json:"onchain_error,omitempty"`
	Miner           miner.Status       `json:"miner"`
	ListenerRunning bool               `json:"listener_running"`
	Backlog         int                `json:"backlog"`
	BacklogBlocked  bool               `json:"backlog_blocked"`
	Stats           stats.Snapshot     `json:"stats"`
}

// GetTowerStatus never fails as a whole: an unreachable chain is reported
// in OnchainError.
func (a *App) GetTowerStatus(ctx context.Context) *TowerStatus {
	c := a.container
	st := &TowerStatus{
		Account:         c.Config.Profile.Account,
		Miner:           c.Orchestrator.Status(),
		ListenerRunning: c.Listener.Running(),
		Backlog:         c.Backlog.Len(),
		BacklogBlocked:  c.Backlog.Blocked(),
		Stats:           c.Stats.Snapshot(c.Listener.QueueStat()),
	}
	if latest, err := c.Store.Latest(); err == nil {
		st.LatestProof = latest
	}
	if state, err := a.GetOnchainTowerState(ctx); err != nil {
		st.OnchainError = types.AsTowerError(err)
	} else {
		st.Onchain = state
	}
	return st
}

// DebugSubmitProofZero resubmits the local genesis proof and returns the raw
// chain answer.
func (a *App) DebugSubmitProofZero(ctx context.Context) (*types.TxResult, types.CommitOutcome, error) {
	if err := a.requireSigner(); err != nil {
		return nil, types.CommitOutcome{}, err
	}
	rec, err := a.container.Store.Get(0)
	if err != nil {
		return nil, types.CommitOutcome{}, fail(fmt.Errorf("load proof 0: %w", err))
	}
	res, outcome, err := a.container.Commit.DebugSubmit(ctx, rec)
	return res, outcome, fail(err)
}

func (a *App) GetNetworks() network.Profile {
	return a.container.Network.Profile()
}

func (a *App) ToggleNetwork(chain string) (network.Profile, error) {
	p, err := a.container.Network.SetChain(chain)
	return p, fail(err)
}

func (a *App) OverridePlaylist(ctx context.Context, url string) (network.Profile, error) {
	p, err := a.container.Network.OverridePlaylist(ctx, url)
	return p, fail(err)
}

func (a *App) ForceUpstream(url string) (network.Profile, error) {
	p, err := a.container.Network.ForceUpstream(url)
	return p, fail(err)
}

// SetEnv selects test or prod and exports it as NODE_ENV.
func (a *App) SetEnv(env string) (string, error) {
	if env != EnvTest && env != EnvProd {
		return "", types.NewTowerError(types.CategoryMisc, fmt.Errorf("%q: %w", env, ErrBadEnv), "")
	}
	if err := os.Setenv(envVar, env); err != nil {
		return "", fail(err)
	}
	a.mu.Lock()
	a.env = env
	a.mu.Unlock()
	return env, nil
}

func (a *App) GetEnv() string {
	if v := os.Getenv(envVar); v == EnvTest || v == EnvProd {
		return v
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.env
}
