package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/calder-io/calder/internal/group"
	"github.com/calder-io/calder/internal/runtime"
)

// GroupsController handles consumer-group endpoints. Membership and
// partition-claim handles carry unexported fencing tokens, so the
// controller keeps them server-side keyed by the caller's identity;
// clients refer to them by namespace/topic/group/consumer.
type GroupsController struct {
	rt *runtime.Runtime

	mu      sync.Mutex
	members map[string]*group.Membership
	claims  map[string]*group.PartitionClaim
}

// NewGroupsController creates a new groups controller.
func NewGroupsController(rt *runtime.Runtime) *GroupsController {
	return &GroupsController{
		rt:      rt,
		members: make(map[string]*group.Membership),
		claims:  make(map[string]*group.PartitionClaim),
	}
}

// RegisterRoutes registers consumer-group routes.
func (c *GroupsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/groups/join", c.handleJoin)
	mux.HandleFunc("/v1/groups/heartbeat", c.handleHeartbeat)
	mux.HandleFunc("/v1/groups/leave", c.handleLeave)
	mux.HandleFunc("/v1/groups/assignments", c.handleAssignments)
	mux.HandleFunc("/v1/groups/claim", c.handleClaim)
	mux.HandleFunc("/v1/groups/release", c.handleRelease)
	mux.HandleFunc("/v1/groups/fetch", c.handleFetch)
	mux.HandleFunc("/v1/groups/commit", c.handleCommit)
	mux.HandleFunc("/v1/groups/committed", c.handleCommitted)
	mux.HandleFunc("/v1/groups/seek", c.handleSeek)
}

type groupReq struct {
	Namespace   string `json:"namespace"`
	Topic       string `json:"topic"`
	Group       string `json:"group"`
	ConsumerID  string `json:"consumerId,omitempty"`
	Partition   uint32 `json:"partition,omitempty"`
	TTLMs       int64  `json:"ttlMs,omitempty"`
	Max         int    `json:"max,omitempty"`
	NextOffset  uint64 `json:"nextOffset,omitempty"`
	Target      string `json:"target,omitempty"`
	Offset      uint64 `json:"offset,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`
}

func (req groupReq) memberKey() string {
	return fmt.Sprintf("%s/%s/%s/%s", req.Namespace, req.Topic, req.Group, req.ConsumerID)
}

func (req groupReq) claimKey() string {
	return fmt.Sprintf("%s/%08x", req.memberKey(), req.Partition)
}

func (c *GroupsController) group(w http.ResponseWriter, r *http.Request, req groupReq) *group.Group {
	if req.Group == "" {
		writeError(w, http.StatusBadRequest, "group name is required")
		return nil
	}
	coord, err := c.rt.Coordinator(r.Context(), req.Namespace, req.Topic)
	if err != nil {
		writeEngineError(w, err)
		return nil
	}
	return coord.Group(req.Group)
}

func (c *GroupsController) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req groupReq
	if !requirePost(w, r, &req) {
		return
	}
	if req.ConsumerID == "" {
		writeError(w, http.StatusBadRequest, "consumerId is required")
		return
	}
	g := c.group(w, r, req)
	if g == nil {
		return
	}
	m, err := g.Join(r.Context(), req.ConsumerID, durationMs(req.TTLMs))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	parts, err := g.AssignedPartitions(req.ConsumerID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	c.mu.Lock()
	c.members[req.memberKey()] = &m
	c.mu.Unlock()
	writeJSON(w, map[string]any{
		"consumerId": m.ConsumerID,
		"generation": m.Generation,
		"partitions": parts,
	})
}

func (c *GroupsController) membership(req groupReq) (*group.Membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[req.memberKey()]
	return m, ok
}

func (c *GroupsController) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req groupReq
	if !requirePost(w, r, &req) {
		return
	}
	g := c.group(w, r, req)
	if g == nil {
		return
	}
	m, ok := c.membership(req)
	if !ok {
		writeEngineError(w, group.ErrNotMember)
		return
	}
	if err := g.Heartbeat(r.Context(), m); err != nil {
		if errors.Is(err, group.ErrNotMember) {
			c.dropMember(req)
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"generation": m.Generation})
}

func (c *GroupsController) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req groupReq
	if !requirePost(w, r, &req) {
		return
	}
	g := c.group(w, r, req)
	if g == nil {
		return
	}
	m, ok := c.membership(req)
	if !ok {
		writeEngineError(w, group.ErrNotMember)
		return
	}
	if err := g.Leave(r.Context(), *m); err != nil {
		writeEngineError(w, err)
		return
	}
	c.dropMember(req)
	writeJSON(w, map[string]string{"status": "left"})
}

// dropMember forgets the membership and any claims the consumer held.
func (c *GroupsController) dropMember(req groupReq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := req.memberKey()
	delete(c.members, key)
	for k := range c.claims {
		if strings.HasPrefix(k, key+"/") {
			delete(c.claims, k)
		}
	}
}

func (c *GroupsController) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	qy := r.URL.Query()
	req := groupReq{Namespace: qy.Get("namespace"), Topic: qy.Get("topic"), Group: qy.Get("group")}
	g := c.group(w, r, req)
	if g == nil {
		return
	}
	members, err := g.Members()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	assignments, gen, err := g.Assignments()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	byPart := make(map[string]string, len(assignments))
	for part, consumer := range assignments {
		byPart[fmt.Sprintf("%d", part)] = consumer
	}
	writeJSON(w, map[string]any{
		"generation":  gen,
		"members":     members,
		"assignments": byPart,
	})
}

func (c *GroupsController) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req groupReq
	if !requirePost(w, r, &req) {
		return
	}
	g := c.group(w, r, req)
	if g == nil {
		return
	}
	claim, err := g.ClaimPartition(r.Context(), req.ConsumerID, req.Partition, durationMs(req.TTLMs))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	c.mu.Lock()
	c.claims[req.claimKey()] = claim
	c.mu.Unlock()
	writeJSON(w, map[string]any{"partition": claim.Partition})
}

func (c *GroupsController) claim(req groupReq) (*group.PartitionClaim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.claims[req.claimKey()]
	return pc, ok
}

func (c *GroupsController) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req groupReq
	if !requirePost(w, r, &req) {
		return
	}
	pc, ok := c.claim(req)
	if !ok {
		writeEngineError(w, group.ErrNotAssigned)
		return
	}
	if err := pc.Release(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	c.mu.Lock()
	delete(c.claims, req.claimKey())
	c.mu.Unlock()
	writeJSON(w, map[string]string{"status": "released"})
}

func (c *GroupsController) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req groupReq
	if !requirePost(w, r, &req) {
		return
	}
	pc, ok := c.claim(req)
	if !ok {
		writeEngineError(w, group.ErrNotAssigned)
		return
	}
	recs, err := pc.Fetch(r.Context(), req.Max)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]wireMessage, 0, len(recs))
	for _, rec := range recs {
		out = append(out, wireMessage{
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Meta:      rec.Meta,
			Payload:   rec.Payload,
		})
	}
	writeJSON(w, map[string]any{"records": out})
}

func (c *GroupsController) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req groupReq
	if !requirePost(w, r, &req) {
		return
	}
	pc, ok := c.claim(req)
	if !ok {
		writeEngineError(w, group.ErrNotAssigned)
		return
	}
	if err := pc.Commit(r.Context(), req.NextOffset); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"nextOffset": req.NextOffset})
}

func (c *GroupsController) handleCommitted(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	qy := r.URL.Query()
	req := groupReq{Namespace: qy.Get("namespace"), Topic: qy.Get("topic"), Group: qy.Get("group")}
	part, _ := parseUint32(qy.Get("partition"))
	g := c.group(w, r, req)
	if g == nil {
		return
	}
	off, ok := g.Committed(part)
	writeJSON(w, map[string]any{"partition": part, "nextOffset": off, "committed": ok})
}

func (c *GroupsController) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req groupReq
	if !requirePost(w, r, &req) {
		return
	}
	g := c.group(w, r, req)
	if g == nil {
		return
	}
	var target group.SeekTarget
	switch req.Target {
	case "earliest":
		target = group.Earliest()
	case "latest":
		target = group.Latest()
	case "offset":
		target = group.AtOffset(req.Offset)
	case "timestamp":
		target = group.AtTimestamp(req.TimestampMs)
	default:
		writeError(w, http.StatusBadRequest, "unknown seek target: "+req.Target)
		return
	}
	if err := g.Seek(r.Context(), req.Partition, target); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
