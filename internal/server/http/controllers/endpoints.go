package controllers

import (
	"net/http"
	"time"

	"github.com/calder-io/calder/internal/dispatch"
	"github.com/calder-io/calder/internal/runtime"
)

// EndpointsController handles push-delivery endpoint registration and
// management.
type EndpointsController struct {
	rt *runtime.Runtime
}

// NewEndpointsController creates a new endpoints controller.
func NewEndpointsController(rt *runtime.Runtime) *EndpointsController {
	return &EndpointsController{rt: rt}
}

// RegisterRoutes registers push endpoint routes.
func (c *EndpointsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/endpoints", c.handleList)
	mux.HandleFunc("/v1/endpoints/register", c.handleRegister)
	mux.HandleFunc("/v1/endpoints/validate", c.handleValidate)
	mux.HandleFunc("/v1/endpoints/delete", c.handleDelete)
	mux.HandleFunc("/v1/endpoints/status", c.handleStatus)
	mux.HandleFunc("/v1/endpoints/dlq", c.handleDlqList)
	mux.HandleFunc("/v1/endpoints/dlq/purge", c.handleDlqPurge)
}

// endpointWire hides the challenge code from listings; it only travels
// out-of-band to the destination.
type endpointWire struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	MaxAttempts int    `json:"maxAttempts"`
	TTLMs       int64  `json:"ttlMs"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

func wireEndpoint(ep dispatch.Endpoint) endpointWire {
	return endpointWire{
		ID:          ep.ID,
		URL:         ep.URL,
		Status:      string(ep.Status),
		MaxAttempts: ep.Policy.MaxAttempts,
		TTLMs:       ep.Policy.TTL.Milliseconds(),
		CreatedAtMs: ep.CreatedAtMs,
	}
}

func (c *EndpointsController) dispatcher(w http.ResponseWriter, r *http.Request, ns, topicName string) *dispatch.Dispatcher {
	d, err := c.rt.Dispatcher(r.Context(), ns, topicName)
	if err != nil {
		writeEngineError(w, err)
		return nil
	}
	return d
}

func (c *EndpointsController) handleList(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	qy := r.URL.Query()
	d := c.dispatcher(w, r, qy.Get("namespace"), qy.Get("topic"))
	if d == nil {
		return
	}
	eps, err := d.ListEndpoints()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]endpointWire, 0, len(eps))
	for _, ep := range eps {
		out = append(out, wireEndpoint(ep))
	}
	writeJSON(w, map[string]any{"endpoints": out})
}

type endpointRegisterReq struct {
	Namespace   string  `json:"namespace"`
	Topic       string  `json:"topic"`
	URL         string  `json:"url"`
	MaxAttempts int     `json:"maxAttempts,omitempty"`
	TTLMs       int64   `json:"ttlMs,omitempty"`
	ScheduleMs  []int64 `json:"scheduleMs,omitempty"`
}

func (c *EndpointsController) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req endpointRegisterReq
	if !requirePost(w, r, &req) {
		return
	}
	d := c.dispatcher(w, r, req.Namespace, req.Topic)
	if d == nil {
		return
	}
	policy := dispatch.RetryPolicy{
		MaxAttempts: req.MaxAttempts,
		TTL:         durationMs(req.TTLMs),
	}
	for _, ms := range req.ScheduleMs {
		policy.Schedule = append(policy.Schedule, time.Duration(ms)*time.Millisecond)
	}
	ep, err := d.Register(r.Context(), req.URL, policy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, wireEndpoint(ep))
}

type endpointValidateReq struct {
	Namespace string `json:"namespace"`
	Topic     string `json:"topic"`
	Endpoint  string `json:"endpoint"`
	Code      string `json:"code"`
}

func (c *EndpointsController) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req endpointValidateReq
	if !requirePost(w, r, &req) {
		return
	}
	d := c.dispatcher(w, r, req.Namespace, req.Topic)
	if d == nil {
		return
	}
	ep, err := d.Validate(r.Context(), req.Endpoint, req.Code)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, wireEndpoint(ep))
}

type endpointRef struct {
	Namespace string `json:"namespace"`
	Topic     string `json:"topic"`
	Endpoint  string `json:"endpoint"`
}

func (c *EndpointsController) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req endpointRef
	if !requirePost(w, r, &req) {
		return
	}
	d := c.dispatcher(w, r, req.Namespace, req.Topic)
	if d == nil {
		return
	}
	if err := d.DeleteEndpoint(r.Context(), req.Endpoint); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (c *EndpointsController) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	qy := r.URL.Query()
	d := c.dispatcher(w, r, qy.Get("namespace"), qy.Get("topic"))
	if d == nil {
		return
	}
	ep, err := d.GetEndpoint(qy.Get("endpoint"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]any{"endpoint": wireEndpoint(ep)}
	if st, ok := d.Status(ep.ID); ok {
		resp["delivery"] = map[string]any{
			"partition":   st.Partition,
			"offset":      st.Offset,
			"attempt":     st.Attempt,
			"state":       string(st.State),
			"updatedAtMs": st.UpdatedAt,
		}
	}
	writeJSON(w, resp)
}

func (c *EndpointsController) handleDlqList(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	qy := r.URL.Query()
	d := c.dispatcher(w, r, qy.Get("namespace"), qy.Get("topic"))
	if d == nil {
		return
	}
	letters, err := d.ListDeadLetters(qy.Get("endpoint"), parseLimit(qy.Get("limit")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"deadLetters": letters})
}

type endpointDlqPurgeReq struct {
	Namespace string `json:"namespace"`
	Topic     string `json:"topic"`
	Endpoint  string `json:"endpoint"`
	Partition uint32 `json:"partition"`
	Offset    uint64 `json:"offset"`
}

func (c *EndpointsController) handleDlqPurge(w http.ResponseWriter, r *http.Request) {
	var req endpointDlqPurgeReq
	if !requirePost(w, r, &req) {
		return
	}
	d := c.dispatcher(w, r, req.Namespace, req.Topic)
	if d == nil {
		return
	}
	if err := d.PurgeDeadLetter(r.Context(), req.Endpoint, req.Partition, req.Offset); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "purged"})
}
