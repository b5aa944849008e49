package controllers

import (
	"net/http"

	"github.com/calder-io/calder/internal/queue"
	"github.com/calder-io/calder/internal/record"
	"github.com/calder-io/calder/internal/runtime"
)

// QueuesController handles queue management, send/receive and settlement
// endpoints.
type QueuesController struct {
	rt *runtime.Runtime
}

// NewQueuesController creates a new queues controller.
func NewQueuesController(rt *runtime.Runtime) *QueuesController {
	return &QueuesController{rt: rt}
}

// RegisterRoutes registers queue routes.
func (c *QueuesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/queues", c.handleList)
	mux.HandleFunc("/v1/queues/create", c.handleCreate)
	mux.HandleFunc("/v1/queues/delete", c.handleDelete)
	mux.HandleFunc("/v1/queues/send", c.handleSend)
	mux.HandleFunc("/v1/queues/receive", c.handleReceive)
	mux.HandleFunc("/v1/queues/complete", c.handleComplete)
	mux.HandleFunc("/v1/queues/abandon", c.handleAbandon)
	mux.HandleFunc("/v1/queues/deadletter", c.handleDeadLetter)
	mux.HandleFunc("/v1/queues/renew", c.handleRenew)
	mux.HandleFunc("/v1/queues/stats", c.handleStats)
	mux.HandleFunc("/v1/queues/dlq", c.handleDlqList)
	mux.HandleFunc("/v1/queues/dlq/resubmit", c.handleDlqResubmit)
}

// wireMessage is the HTTP shape of a locked message. Settlement calls
// echo it back verbatim so the engine can verify the lock.
type wireMessage struct {
	Partition     uint32      `json:"partition"`
	Offset        uint64      `json:"offset"`
	Meta          record.Meta `json:"meta"`
	Payload       []byte      `json:"payload"`
	DeliveryCount int         `json:"deliveryCount"`
	LockToken     uint64      `json:"lockToken,omitempty"`
	Owner         string      `json:"owner,omitempty"`
	LockedUntilMs int64       `json:"lockedUntilMs,omitempty"`
}

func queueWire(m *queue.Message) wireMessage {
	return wireMessage{
		Partition:     m.Partition,
		Offset:        m.Offset,
		Meta:          m.Meta,
		Payload:       m.Payload,
		DeliveryCount: m.DeliveryCount,
		LockToken:     m.LockToken,
		Owner:         m.Owner,
		LockedUntilMs: m.LockedUntil,
	}
}

func (wm wireMessage) queueMessage() *queue.Message {
	return &queue.Message{
		Partition:     wm.Partition,
		Offset:        wm.Offset,
		Meta:          wm.Meta,
		Payload:       wm.Payload,
		DeliveryCount: wm.DeliveryCount,
		LockToken:     wm.LockToken,
		Owner:         wm.Owner,
		LockedUntil:   wm.LockedUntilMs,
	}
}

func parseReceiveMode(s string) (queue.ReceiveMode, bool) {
	switch s {
	case "", "peek_lock":
		return queue.PeekLock, true
	case "receive_and_delete":
		return queue.ReceiveAndDelete, true
	default:
		return 0, false
	}
}

func (c *QueuesController) handleList(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	ns, err := c.rt.Namespace(r.URL.Query().Get("namespace"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	names, err := queue.ListQueues(c.rt.DB(), ns.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"queues": names})
}

type queueCreateReq struct {
	Namespace        string `json:"namespace"`
	Queue            string `json:"queue"`
	Partitions       uint32 `json:"partitions,omitempty"`
	MaxDeliveryCount int    `json:"maxDeliveryCount,omitempty"`
	LockDurationMs   int64  `json:"lockDurationMs,omitempty"`
	DefaultTTLMs     int64  `json:"defaultTtlMs,omitempty"`
	MaxSizeBytes     int64  `json:"maxSizeBytes,omitempty"`
	MaxPayloadBytes  int64  `json:"maxPayloadBytes,omitempty"`
	RequireSession   bool   `json:"requireSession,omitempty"`
}

func (c *QueuesController) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req queueCreateReq
	if !requirePost(w, r, &req) {
		return
	}
	if req.Queue == "" {
		writeError(w, http.StatusBadRequest, "queue name is required")
		return
	}
	q, err := c.rt.CreateQueue(r.Context(), req.Namespace, req.Queue, queue.Config{
		Partitions:       req.Partitions,
		MaxDeliveryCount: req.MaxDeliveryCount,
		LockDuration:     durationMs(req.LockDurationMs),
		DefaultTTL:       durationMs(req.DefaultTTLMs),
		MaxSizeBytes:     req.MaxSizeBytes,
		MaxPayloadBytes:  req.MaxPayloadBytes,
		RequireSession:   req.RequireSession,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"queue":  req.Queue,
		"config": q.Config(),
	})
}

type queueRef struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
}

func (c *QueuesController) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req queueRef
	if !requirePost(w, r, &req) {
		return
	}
	if err := c.rt.DeleteQueue(r.Context(), req.Namespace, req.Queue); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

type queueSendReq struct {
	Namespace    string            `json:"namespace"`
	Queue        string            `json:"queue"`
	Payload      []byte            `json:"payload"`
	ID           string            `json:"id,omitempty"`
	PartitionKey string            `json:"partitionKey,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
	Subject      string            `json:"subject,omitempty"`
	TTLMs        int64             `json:"ttlMs,omitempty"`
	DelayMs      int64             `json:"delayMs,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
}

func (c *QueuesController) handleSend(w http.ResponseWriter, r *http.Request) {
	var req queueSendReq
	if !requirePost(w, r, &req) {
		return
	}
	q, err := c.rt.Queue(r.Context(), req.Namespace, req.Queue)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	res, err := q.Send(r.Context(), req.Payload, queue.SendOptions{
		ID:           req.ID,
		PartitionKey: req.PartitionKey,
		SessionID:    req.SessionID,
		Subject:      req.Subject,
		TTL:          durationMs(req.TTLMs),
		Delay:        durationMs(req.DelayMs),
		Properties:   req.Properties,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"id":        res.ID,
		"partition": res.Partition,
		"offset":    res.Offset,
	})
}

type queueReceiveReq struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
	Mode      string `json:"mode,omitempty"`
	Owner     string `json:"owner,omitempty"`
	WaitMs    int64  `json:"waitMs,omitempty"`
}

func (c *QueuesController) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req queueReceiveReq
	if !requirePost(w, r, &req) {
		return
	}
	mode, ok := parseReceiveMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown receive mode: "+req.Mode)
		return
	}
	q, err := c.rt.Queue(r.Context(), req.Namespace, req.Queue)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	msg, err := q.Receive(r.Context(), mode, req.Owner, durationMs(req.WaitMs))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, queueWire(msg))
}

type queueSettleReq struct {
	Namespace string      `json:"namespace"`
	Queue     string      `json:"queue"`
	Message   wireMessage `json:"message"`
	Reason    string      `json:"reason,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

func (c *QueuesController) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req queueSettleReq
	if !requirePost(w, r, &req) {
		return
	}
	q, err := c.rt.Queue(r.Context(), req.Namespace, req.Queue)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status, err := q.Complete(r.Context(), req.Message.queueMessage())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	result := "completed"
	if status == queue.SettleAlreadyCompleted {
		result = "already_completed"
	}
	writeJSON(w, map[string]string{"status": result})
}

func (c *QueuesController) handleAbandon(w http.ResponseWriter, r *http.Request) {
	var req queueSettleReq
	if !requirePost(w, r, &req) {
		return
	}
	q, err := c.rt.Queue(r.Context(), req.Namespace, req.Queue)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := q.Abandon(r.Context(), req.Message.queueMessage()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "abandoned"})
}

func (c *QueuesController) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req queueSettleReq
	if !requirePost(w, r, &req) {
		return
	}
	q, err := c.rt.Queue(r.Context(), req.Namespace, req.Queue)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := q.DeadLetterMessage(r.Context(), req.Message.queueMessage(), req.Reason, req.Detail); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "dead_lettered"})
}

func (c *QueuesController) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req queueSettleReq
	if !requirePost(w, r, &req) {
		return
	}
	q, err := c.rt.Queue(r.Context(), req.Namespace, req.Queue)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	until, err := q.RenewLock(r.Context(), req.Message.queueMessage())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]int64{"lockedUntilMs": until})
}

func (c *QueuesController) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	qy := r.URL.Query()
	q, err := c.rt.Queue(r.Context(), qy.Get("namespace"), qy.Get("queue"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	stats, err := q.QueueStats()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]int{
		"ready":       stats.Ready,
		"scheduled":   stats.Scheduled,
		"deadLetters": stats.DeadLetters,
	})
}

func (c *QueuesController) handleDlqList(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	qy := r.URL.Query()
	q, err := c.rt.Queue(r.Context(), qy.Get("namespace"), qy.Get("queue"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	afterPart, _ := parseUint32(qy.Get("afterPartition"))
	afterSeq, _ := parseUint64(qy.Get("afterOffset"))
	letters, err := q.ListDeadLetters(afterPart, afterSeq, parseLimit(qy.Get("limit")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"deadLetters": letters})
}

type dlqResubmitReq struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
	Partition uint32 `json:"partition"`
	Offset    uint64 `json:"offset"`
}

func (c *QueuesController) handleDlqResubmit(w http.ResponseWriter, r *http.Request) {
	var req dlqResubmitReq
	if !requirePost(w, r, &req) {
		return
	}
	q, err := c.rt.Queue(r.Context(), req.Namespace, req.Queue)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	res, err := q.ResubmitDeadLetter(r.Context(), req.Partition, req.Offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"id":        res.ID,
		"partition": res.Partition,
		"offset":    res.Offset,
	})
}
