package controllers

import (
	"net/http"

	"github.com/calder-io/calder/internal/runtime"
)

// GeneralController handles health and namespace endpoints.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers health and namespace routes.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/ns", c.handleList)
	mux.HandleFunc("/v1/ns/create", c.handleCreate)
}

func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleList(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	metas, err := c.rt.Namespaces()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"namespaces": metas})
}

type nsCreateReq struct {
	Namespace string `json:"namespace"`
}

func (c *GeneralController) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req nsCreateReq
	if !requirePost(w, r, &req) {
		return
	}
	meta, err := c.rt.Namespace(req.Namespace)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, meta)
}
