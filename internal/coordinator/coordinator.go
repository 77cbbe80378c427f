// Package coordinator spreads topic partitions across the live instances
// of a consumer group without a broker-side group protocol. Instances
// register themselves in the shared state store, every instance computes
// the same deterministic assignment from the sorted member list, and each
// partition is guarded by a TTL'd lease so that at most one instance runs
// it at a time. Offsets are committed through the same store, only after
// the events below them have been applied.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskpipe/internal/broker"
	"taskpipe/internal/statestore"
)

// State is the coordinator's lifecycle phase. Transitions are driven only
// by the run loop.
type State int32

const (
	// StateUnassigned: not a group member, no leases held.
	StateUnassigned State = iota
	// StateJoining: registering with the group.
	StateJoining
	// StateAssigned: every desired partition is leased and running.
	StateAssigned
	// StateRebalancing: the desired and held partition sets differ.
	StateRebalancing
	// StateClosed: shut down; leases released, nothing restarts.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateJoining:
		return "joining"
	case StateAssigned:
		return "assigned"
	case StateRebalancing:
		return "rebalancing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Claim identifies one partition of one topic.
type Claim struct {
	Topic     string
	Partition int
}

func (c Claim) String() string {
	return fmt.Sprintf("%s[%d]", c.Topic, c.Partition)
}

// Runner processes a claimed partition until ctx is cancelled. It must
// return only after the in-flight event is finished and its offset
// committed; the coordinator holds the lease until then.
type Runner interface {
	Run(ctx context.Context, claim Claim) error
}

var (
	rebalancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpipe_coordinator_rebalances_total",
		Help: "Number of times the coordinator entered the rebalancing state.",
	})
	leasesHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpipe_coordinator_leases_held",
		Help: "Partition leases currently held by this instance.",
	})
	groupMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpipe_coordinator_group_members",
		Help: "Group members visible at the last rebalance pass.",
	})
)

// maxHeartbeatMisses is how many consecutive heartbeat failures the
// coordinator tolerates before it assumes its registration is gone and
// rejoins from scratch.
const maxHeartbeatMisses = 3

type Config struct {
	Group             string
	InstanceID        string
	Topics            []broker.TopicSpec
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	RebalanceInterval time.Duration
}

type Coordinator struct {
	cfg        Config
	membership *Membership
	leases     *Leases
	runner     Runner
	log        *slog.Logger

	claims []Claim // every claim in the group, sorted
	state  atomic.Int32

	mu      sync.Mutex
	workers map[Claim]*worker
}

type worker struct {
	claim  Claim
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store statestore.Store, runner Runner, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = 3 * time.Second
	}

	claims := make([]Claim, 0)
	for _, spec := range cfg.Topics {
		for p := 0; p < spec.Partitions; p++ {
			claims = append(claims, Claim{Topic: spec.Name, Partition: p})
		}
	}
	slices.SortFunc(claims, compareClaims)

	return &Coordinator{
		cfg:        cfg,
		membership: NewMembership(store, cfg.Group, cfg.InstanceID, cfg.LeaseTTL),
		leases:     NewLeases(store, cfg.Group, cfg.InstanceID, cfg.LeaseTTL),
		runner:     runner,
		log:        log.With("group", cfg.Group, "instance", cfg.InstanceID),
		claims:     claims,
		workers:    make(map[Claim]*worker),
	}
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Claims returns every claim the group distributes, sorted.
func (c *Coordinator) Claims() []Claim {
	return slices.Clone(c.claims)
}

func (c *Coordinator) Members(ctx context.Context) ([]string, error) {
	return c.membership.Members(ctx)
}

func (c *Coordinator) Holder(ctx context.Context, claim Claim) (string, error) {
	return c.leases.Holder(ctx, claim)
}

// Run joins the group and keeps the instance's share of partitions
// running until ctx is cancelled. A lost session (repeated heartbeat
// failures) stops every worker and rejoins; leases left behind expire on
// their own.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.shutdown()

	for ctx.Err() == nil {
		c.setState(StateJoining)
		if err := c.membership.Join(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.log.Warn("joining group failed, retrying", "error", err)
			if !sleep(ctx, c.cfg.HeartbeatInterval) {
				break
			}
			continue
		}
		c.log.Info("joined group")

		err := c.session(ctx)
		if ctx.Err() != nil {
			break
		}
		c.log.Warn("group session lost, rejoining", "error", err)
		c.stopAllWorkers()
		c.setState(StateUnassigned)
	}
	return nil
}

// session runs heartbeat and rebalance ticks until ctx is done or the
// membership cannot be kept alive.
func (c *Coordinator) session(ctx context.Context) error {
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	rebalance := time.NewTicker(c.cfg.RebalanceInterval)
	defer rebalance.Stop()

	if err := c.rebalance(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("rebalance pass failed", "error", err)
	}

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := c.membership.Heartbeat(ctx); err != nil {
				misses++
				c.log.Warn("heartbeat failed", "misses", misses, "error", err)
				if misses >= maxHeartbeatMisses {
					return fmt.Errorf("membership lost after %d missed heartbeats: %w", misses, err)
				}
				continue
			}
			misses = 0
		case <-rebalance.C:
			if err := c.rebalance(ctx); err != nil && ctx.Err() == nil {
				// Transient store trouble: leases stay TTL-guarded, the
				// heartbeat path decides whether the session is gone.
				c.log.Warn("rebalance pass failed", "error", err)
			}
		}
	}
}

// rebalance reconciles the held partition set with the desired one:
// renew what we hold, release what is no longer ours, claim what is.
// Partitions that stay desired keep running untouched.
func (c *Coordinator) rebalance(ctx context.Context) error {
	members, err := c.membership.Members(ctx)
	if err != nil {
		return err
	}
	groupMembers.Set(float64(len(members)))
	desired := desiredClaims(c.claims, members, c.cfg.InstanceID)

	for _, claim := range c.running() {
		ok, err := c.leases.Renew(ctx, claim)
		if err != nil {
			return err
		}
		if !ok {
			// The lease expired or moved while we were running it. Stop
			// the worker immediately; whoever holds it now owns the
			// offsets.
			c.log.Warn("lease lost", "claim", claim.String())
			c.stopWorker(ctx, claim, false)
		}
	}

	for _, claim := range c.running() {
		if !slices.Contains(desired, claim) {
			c.setState(StateRebalancing)
			c.log.Info("releasing partition", "claim", claim.String())
			c.stopWorker(ctx, claim, true)
		}
	}

	for _, claim := range desired {
		if c.hasLiveWorker(claim) {
			continue
		}
		ok, err := c.leases.Acquire(ctx, claim)
		if err != nil {
			return err
		}
		if !ok {
			// Previous holder is gone but its lease has not expired yet.
			c.setState(StateRebalancing)
			continue
		}
		c.log.Info("claimed partition", "claim", claim.String())
		c.startWorker(ctx, claim)
	}

	held := c.running()
	leasesHeld.Set(float64(len(held)))
	if len(held) == len(desired) {
		c.setState(StateAssigned)
	} else {
		c.setState(StateRebalancing)
	}
	return nil
}

// desiredClaims deals claims round-robin over the sorted member list.
// Every instance computes the same mapping from the same member set, so
// no negotiation is needed.
func desiredClaims(claims []Claim, members []string, self string) []Claim {
	if len(members) == 0 {
		return nil
	}
	sorted := slices.Clone(members)
	slices.Sort(sorted)
	var out []Claim
	for i, claim := range claims {
		if sorted[i%len(sorted)] == self {
			out = append(out, claim)
		}
	}
	return out
}

func (c *Coordinator) startWorker(ctx context.Context, claim Claim) {
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{claim: claim, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.workers[claim] = w
	c.mu.Unlock()

	go func() {
		defer close(w.done)
		if err := c.runner.Run(wctx, claim); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("partition worker stopped", "claim", claim.String(), "error", err)
		}
	}()
}

// stopWorker cancels the claim's worker and waits for it to finish its
// in-flight event. With release set, the lease is handed back so the next
// pass can reassign it without waiting out the TTL.
func (c *Coordinator) stopWorker(ctx context.Context, claim Claim, release bool) {
	c.mu.Lock()
	w, ok := c.workers[claim]
	if ok {
		delete(c.workers, claim)
	}
	c.mu.Unlock()

	if ok {
		w.cancel()
		<-w.done
	}
	if release {
		if err := c.leases.Release(ctx, claim); err != nil {
			c.log.Warn("releasing lease failed", "claim", claim.String(), "error", err)
		}
	}
}

// stopAllWorkers cancels everything without touching leases; used when
// the store is unreachable and releases cannot be written anyway.
func (c *Coordinator) stopAllWorkers() {
	c.mu.Lock()
	workers := make([]*worker, 0, len(c.workers))
	for claim, w := range c.workers {
		workers = append(workers, w)
		delete(c.workers, claim)
	}
	c.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
	}
	leasesHeld.Set(0)
}

// running returns the claims with a live worker, sorted. Entries whose
// worker has exited are pruned so the next pass can restart them.
func (c *Coordinator) running() []Claim {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Claim, 0, len(c.workers))
	for claim, w := range c.workers {
		select {
		case <-w.done:
			delete(c.workers, claim)
		default:
			out = append(out, claim)
		}
	}
	slices.SortFunc(out, compareClaims)
	return out
}

func (c *Coordinator) hasLiveWorker(claim Claim) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[claim]
	if !ok {
		return false
	}
	select {
	case <-w.done:
		delete(c.workers, claim)
		return false
	default:
		return true
	}
}

// shutdown drains the workers, releases their leases and leaves the
// group. It runs on a detached context: the run context is already
// cancelled by the time we get here.
func (c *Coordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	workers := make([]*worker, 0, len(c.workers))
	for claim, w := range c.workers {
		workers = append(workers, w)
		delete(c.workers, claim)
	}
	c.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
		if err := c.leases.Release(ctx, w.claim); err != nil {
			c.log.Warn("releasing lease failed", "claim", w.claim.String(), "error", err)
		}
	}
	if err := c.membership.Leave(ctx); err != nil {
		c.log.Warn("leaving group failed", "error", err)
	}
	leasesHeld.Set(0)
	c.setState(StateClosed)
	c.log.Info("coordinator closed")
}

func (c *Coordinator) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	if s == StateRebalancing {
		rebalancesTotal.Inc()
	}
	c.log.Info("coordinator state changed", "from", old.String(), "to", s.String())
}

func compareClaims(a, b Claim) int {
	if a.Topic != b.Topic {
		if a.Topic < b.Topic {
			return -1
		}
		return 1
	}
	return a.Partition - b.Partition
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
