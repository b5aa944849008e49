package group

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calder-io/calder/internal/eventlog"
	"github.com/calder-io/calder/internal/lease"
	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
	"github.com/calder-io/calder/pkg/log"
)

var (
	// ErrNotMember is returned when a consumer acts on a group it has not
	// joined or whose membership lease has lapsed.
	ErrNotMember = errors.New("group: not a member")

	// ErrNotAssigned is returned when a consumer claims a partition the
	// current assignment maps to a different member.
	ErrNotAssigned = errors.New("group: partition not assigned to consumer")

	// ErrPartitionHeld is returned when the assigned consumer cannot take
	// a partition because the previous holder's lease is still live.
	ErrPartitionHeld = errors.New("group: partition lease still held")
)

// Coordinator manages the consumer groups of one stream.
type Coordinator struct {
	db        *pebblestore.DB
	namespace string
	stream    string
	logs      []*eventlog.Log
	logger    log.Logger

	mu     sync.Mutex
	groups map[string]*Group

	nowMs func() int64
}

// NewCoordinator wraps the stream's partition logs. The logs slice is
// indexed by partition.
func NewCoordinator(db *pebblestore.DB, namespace, stream string, logs []*eventlog.Log, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Coordinator{
		db:        db,
		namespace: namespace,
		stream:    stream,
		logs:      logs,
		logger:    logger.With(log.Component("group"), log.Str("stream", stream)),
		groups:    make(map[string]*Group),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Partitions returns the stream's partition count.
func (c *Coordinator) Partitions() uint32 { return uint32(len(c.logs)) }

// Group returns the named group handle, creating its in-memory state on
// first use. Group state is otherwise entirely durable.
func (c *Coordinator) Group(name string) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[name]; ok {
		return g
	}
	scope := "grp/" + c.stream + "/" + name
	g := &Group{
		c:       c,
		name:    name,
		members: lease.NewManager(c.db, c.namespace, scope+"/member"),
		parts:   lease.NewManager(c.db, c.namespace, scope+"/part"),
		logger:  c.logger.With(log.Str("group", name)),
	}
	c.groups[name] = g
	return g
}

// Group is one named consumer group: a membership set, a partition
// ownership arena, and a committed cursor per partition.
type Group struct {
	c       *Coordinator
	name    string
	members *lease.Manager
	parts   *lease.Manager
	logger  log.Logger

	sweepMu sync.Mutex
	sweeper *lease.Sweeper
}

// Membership is a consumer's handle on the group. Heartbeat with it
// before the session TTL lapses.
type Membership struct {
	ConsumerID string
	Generation uint64
	fencing    uint64
	ttl        time.Duration
}

// Join adds a consumer to the group and bumps the generation. Re-joining
// refreshes the membership lease and still bumps the generation, forcing
// a rebalance.
func (g *Group) Join(ctx context.Context, consumerID string, sessionTTL time.Duration) (Membership, error) {
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Second
	}
	l, err := g.members.Acquire(ctx, consumerID, consumerID, sessionTTL)
	if err != nil {
		return Membership{}, fmt.Errorf("join %s/%s: %w", g.c.stream, g.name, err)
	}
	gen, err := g.bumpGeneration(ctx)
	if err != nil {
		return Membership{}, err
	}
	g.logger.Info("consumer joined", log.Str("consumer", consumerID), log.Uint64("generation", gen))
	return Membership{ConsumerID: consumerID, Generation: gen, fencing: l.Fencing, ttl: sessionTTL}, nil
}

// Heartbeat extends the membership lease. ErrNotMember means the session
// lapsed and the consumer must Join again.
func (g *Group) Heartbeat(ctx context.Context, m *Membership) error {
	l, err := g.members.Renew(ctx, m.ConsumerID, m.ConsumerID, m.fencing, m.ttl)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return ErrNotMember
		}
		return err
	}
	m.fencing = l.Fencing
	return nil
}

// Leave removes the consumer, releases its partition leases, and bumps
// the generation.
func (g *Group) Leave(ctx context.Context, m Membership) error {
	if err := g.members.Release(ctx, m.ConsumerID, m.ConsumerID, m.fencing); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
		return err
	}
	if err := g.releasePartitionsOf(ctx, m.ConsumerID); err != nil {
		return err
	}
	gen, err := g.bumpGeneration(ctx)
	if err != nil {
		return err
	}
	g.logger.Info("consumer left", log.Str("consumer", m.ConsumerID), log.Uint64("generation", gen))
	return nil
}

// Members returns the live consumer ids, sorted.
func (g *Group) Members() ([]string, error) {
	leases, err := g.members.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(leases))
	for _, l := range leases {
		ids = append(ids, l.Owner)
	}
	sort.Strings(ids)
	return ids, nil
}

// Assignments maps each partition to its assigned consumer by
// round-robin over the sorted member list. The mapping is deterministic:
// every member computes the same table for the same membership set. With
// more consumers than partitions the excess members map to nothing.
func (g *Group) Assignments() (map[uint32]string, uint64, error) {
	members, err := g.Members()
	if err != nil {
		return nil, 0, err
	}
	gen, err := g.Generation()
	if err != nil {
		return nil, 0, err
	}
	out := make(map[uint32]string, len(g.c.logs))
	if len(members) == 0 {
		return out, gen, nil
	}
	for p := range g.c.logs {
		out[uint32(p)] = members[p%len(members)]
	}
	return out, gen, nil
}

// AssignedPartitions returns the partitions the assignment table maps to
// consumerID, ascending.
func (g *Group) AssignedPartitions(consumerID string) ([]uint32, error) {
	table, _, err := g.Assignments()
	if err != nil {
		return nil, err
	}
	var parts []uint32
	for p, owner := range table {
		if owner == consumerID {
			parts = append(parts, p)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	return parts, nil
}

// Generation returns the current rebalance generation.
func (g *Group) Generation() (uint64, error) {
	raw, err := g.c.db.Get(genKey(g.c.namespace, g.c.stream, g.name))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("group: bad generation record (%d bytes)", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (g *Group) bumpGeneration(ctx context.Context) (uint64, error) {
	gen, err := g.Generation()
	if err != nil {
		return 0, err
	}
	gen++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, gen)
	if err := g.c.db.Set(genKey(g.c.namespace, g.c.stream, g.name), buf); err != nil {
		return 0, err
	}
	return gen, nil
}

// releasePartitionsOf drops every partition lease owned by consumerID.
func (g *Group) releasePartitionsOf(ctx context.Context, consumerID string) error {
	held, err := g.parts.List()
	if err != nil {
		return err
	}
	for _, l := range held {
		if l.Owner != consumerID {
			continue
		}
		if err := g.parts.Release(ctx, l.Resource, l.Owner, l.Fencing); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
			return err
		}
	}
	return nil
}

// StartSweeper begins background expiry of lapsed memberships. An
// expired member's partition leases are released and the generation is
// bumped so survivors rebalance.
func (g *Group) StartSweeper(ctx context.Context, interval time.Duration) {
	g.sweepMu.Lock()
	defer g.sweepMu.Unlock()
	if g.sweeper != nil {
		return
	}
	g.sweeper = lease.NewSweeper(g.members, interval, 0, func(ctx context.Context, expired []lease.Lease) {
		for _, m := range expired {
			if err := g.releasePartitionsOf(ctx, m.Owner); err != nil {
				g.logger.Error("release partitions of expired member", log.Str("consumer", m.Owner), log.Err(err))
				continue
			}
			if gen, err := g.bumpGeneration(ctx); err == nil {
				g.logger.Info("membership expired", log.Str("consumer", m.Owner), log.Uint64("generation", gen))
			}
		}
	}, g.logger)
	g.sweeper.Start(ctx)
}

// StopSweeper stops the background membership sweeper.
func (g *Group) StopSweeper() {
	g.sweepMu.Lock()
	defer g.sweepMu.Unlock()
	if g.sweeper != nil {
		g.sweeper.Stop()
		g.sweeper = nil
	}
}
