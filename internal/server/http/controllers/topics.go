package controllers

import (
	"net/http"

	"github.com/calder-io/calder/internal/runtime"
	"github.com/calder-io/calder/internal/topic"
)

// TopicsController handles topic and subscription endpoints.
type TopicsController struct {
	rt *runtime.Runtime
}

// NewTopicsController creates a new topics controller.
func NewTopicsController(rt *runtime.Runtime) *TopicsController {
	return &TopicsController{rt: rt}
}

// RegisterRoutes registers topic and subscription routes.
func (c *TopicsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/topics", c.handleList)
	mux.HandleFunc("/v1/topics/create", c.handleCreate)
	mux.HandleFunc("/v1/topics/delete", c.handleDelete)
	mux.HandleFunc("/v1/topics/publish", c.handlePublish)
	mux.HandleFunc("/v1/subscriptions", c.handleSubList)
	mux.HandleFunc("/v1/subscriptions/create", c.handleSubCreate)
	mux.HandleFunc("/v1/subscriptions/delete", c.handleSubDelete)
	mux.HandleFunc("/v1/subscriptions/receive", c.handleSubReceive)
	mux.HandleFunc("/v1/subscriptions/complete", c.handleSubComplete)
	mux.HandleFunc("/v1/subscriptions/abandon", c.handleSubAbandon)
	mux.HandleFunc("/v1/subscriptions/deadletter", c.handleSubDeadLetter)
	mux.HandleFunc("/v1/subscriptions/renew", c.handleSubRenew)
	mux.HandleFunc("/v1/subscriptions/dlq", c.handleSubDlqList)
}

func topicWire(m *topic.Message) wireMessage {
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

func (wm wireMessage) topicMessage() *topic.Message {
	return &topic.Message{
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

func (c *TopicsController) handleList(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	ns, err := c.rt.Namespace(r.URL.Query().Get("namespace"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	names, err := topic.List(c.rt.DB(), ns.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"topics": names})
}

type topicCreateReq struct {
	Namespace      string `json:"namespace"`
	Topic          string `json:"topic"`
	Partitions     uint32 `json:"partitions,omitempty"`
	RetentionAgeMs int64  `json:"retentionAgeMs,omitempty"`
	RetentionSize  int64  `json:"retentionSizeBytes,omitempty"`
	MaxSizeBytes   int64  `json:"maxSizeBytes,omitempty"`
}

func (c *TopicsController) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req topicCreateReq
	if !requirePost(w, r, &req) {
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic name is required")
		return
	}
	t, err := c.rt.CreateTopic(r.Context(), req.Namespace, req.Topic, topic.Config{
		Partitions:    req.Partitions,
		RetentionAge:  durationMs(req.RetentionAgeMs),
		RetentionSize: req.RetentionSize,
		MaxSizeBytes:  req.MaxSizeBytes,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"topic":  req.Topic,
		"config": t.Config(),
	})
}

type topicRef struct {
	Namespace string `json:"namespace"`
	Topic     string `json:"topic"`
}

func (c *TopicsController) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req topicRef
	if !requirePost(w, r, &req) {
		return
	}
	if err := c.rt.DeleteTopic(r.Context(), req.Namespace, req.Topic); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

type topicPublishReq struct {
	Namespace      string            `json:"namespace"`
	Topic          string            `json:"topic"`
	Payload        []byte            `json:"payload"`
	ID             string            `json:"id,omitempty"`
	PartitionKey   string            `json:"partitionKey,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	TTLMs          int64             `json:"ttlMs,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

func (c *TopicsController) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req topicPublishReq
	if !requirePost(w, r, &req) {
		return
	}
	t, err := c.rt.Topic(r.Context(), req.Namespace, req.Topic)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	res, err := t.Publish(r.Context(), req.Payload, topic.PublishOptions{
		ID:             req.ID,
		PartitionKey:   req.PartitionKey,
		SessionID:      req.SessionID,
		Subject:        req.Subject,
		TTL:            durationMs(req.TTLMs),
		Properties:     req.Properties,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"id":        res.ID,
		"partition": res.Partition,
		"offset":    res.Offset,
		"duplicate": res.Duplicate,
	})
}

func (c *TopicsController) handleSubList(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	qy := r.URL.Query()
	t, err := c.rt.Topic(r.Context(), qy.Get("namespace"), qy.Get("topic"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	names, err := t.Subscriptions()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"subscriptions": names})
}

type subCreateReq struct {
	Namespace        string `json:"namespace"`
	Topic            string `json:"topic"`
	Subscription     string `json:"subscription"`
	Filter           string `json:"filter,omitempty"`
	MaxDeliveryCount int    `json:"maxDeliveryCount,omitempty"`
	LockDurationMs   int64  `json:"lockDurationMs,omitempty"`
	DefaultTTLMs     int64  `json:"defaultTtlMs,omitempty"`
}

func (c *TopicsController) handleSubCreate(w http.ResponseWriter, r *http.Request) {
	var req subCreateReq
	if !requirePost(w, r, &req) {
		return
	}
	if req.Subscription == "" {
		writeError(w, http.StatusBadRequest, "subscription name is required")
		return
	}
	t, err := c.rt.Topic(r.Context(), req.Namespace, req.Topic)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s, err := t.CreateSubscription(r.Context(), req.Subscription, topic.SubConfig{
		Filter:           req.Filter,
		MaxDeliveryCount: req.MaxDeliveryCount,
		LockDuration:     durationMs(req.LockDurationMs),
		DefaultTTL:       durationMs(req.DefaultTTLMs),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"subscription": s.Name(),
		"config":       s.Config(),
	})
}

type subRef struct {
	Namespace    string `json:"namespace"`
	Topic        string `json:"topic"`
	Subscription string `json:"subscription"`
}

func (c *TopicsController) handleSubDelete(w http.ResponseWriter, r *http.Request) {
	var req subRef
	if !requirePost(w, r, &req) {
		return
	}
	t, err := c.rt.Topic(r.Context(), req.Namespace, req.Topic)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := t.DeleteSubscription(r.Context(), req.Subscription); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

type subReceiveReq struct {
	Namespace    string `json:"namespace"`
	Topic        string `json:"topic"`
	Subscription string `json:"subscription"`
	Mode         string `json:"mode,omitempty"`
	Owner        string `json:"owner,omitempty"`
	WaitMs       int64  `json:"waitMs,omitempty"`
}

func (c *TopicsController) handleSubReceive(w http.ResponseWriter, r *http.Request) {
	var req subReceiveReq
	if !requirePost(w, r, &req) {
		return
	}
	mode := topic.PeekLock
	switch req.Mode {
	case "", "peek_lock":
	case "receive_and_delete":
		mode = topic.ReceiveAndDelete
	default:
		writeError(w, http.StatusBadRequest, "unknown receive mode: "+req.Mode)
		return
	}
	s, err := c.rt.Subscription(r.Context(), req.Namespace, req.Topic, req.Subscription)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	msg, err := s.Receive(r.Context(), mode, req.Owner, durationMs(req.WaitMs))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, topicWire(msg))
}

type subSettleReq struct {
	Namespace    string      `json:"namespace"`
	Topic        string      `json:"topic"`
	Subscription string      `json:"subscription"`
	Message      wireMessage `json:"message"`
	Reason       string      `json:"reason,omitempty"`
	Detail       string      `json:"detail,omitempty"`
}

func (c *TopicsController) subscription(w http.ResponseWriter, r *http.Request, req subSettleReq) *topic.Subscription {
	s, err := c.rt.Subscription(r.Context(), req.Namespace, req.Topic, req.Subscription)
	if err != nil {
		writeEngineError(w, err)
		return nil
	}
	return s
}

func (c *TopicsController) handleSubComplete(w http.ResponseWriter, r *http.Request) {
	var req subSettleReq
	if !requirePost(w, r, &req) {
		return
	}
	s := c.subscription(w, r, req)
	if s == nil {
		return
	}
	status, err := s.Complete(r.Context(), req.Message.topicMessage())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	result := "completed"
	if status == topic.SettleAlreadyCompleted {
		result = "already_completed"
	}
	writeJSON(w, map[string]string{"status": result})
}

func (c *TopicsController) handleSubAbandon(w http.ResponseWriter, r *http.Request) {
	var req subSettleReq
	if !requirePost(w, r, &req) {
		return
	}
	s := c.subscription(w, r, req)
	if s == nil {
		return
	}
	if err := s.Abandon(r.Context(), req.Message.topicMessage()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "abandoned"})
}

func (c *TopicsController) handleSubDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req subSettleReq
	if !requirePost(w, r, &req) {
		return
	}
	s := c.subscription(w, r, req)
	if s == nil {
		return
	}
	if err := s.DeadLetterMessage(r.Context(), req.Message.topicMessage(), req.Reason, req.Detail); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "dead_lettered"})
}

func (c *TopicsController) handleSubRenew(w http.ResponseWriter, r *http.Request) {
	var req subSettleReq
	if !requirePost(w, r, &req) {
		return
	}
	s := c.subscription(w, r, req)
	if s == nil {
		return
	}
	until, err := s.RenewLock(r.Context(), req.Message.topicMessage())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]int64{"lockedUntilMs": until})
}

func (c *TopicsController) handleSubDlqList(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	qy := r.URL.Query()
	t, err := c.rt.Topic(r.Context(), qy.Get("namespace"), qy.Get("topic"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s, err := t.Subscription(qy.Get("subscription"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	letters, err := s.ListDeadLetters(parseLimit(qy.Get("limit")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"deadLetters": letters})
}
