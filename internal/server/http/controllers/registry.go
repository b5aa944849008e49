package controllers

import (
	"net/http"

	"github.com/calder-io/calder/internal/runtime"
)

// Registry manages all HTTP controllers.
type Registry struct {
	general   *GeneralController
	queues    *QueuesController
	topics    *TopicsController
	groups    *GroupsController
	endpoints *EndpointsController
}

// NewRegistry initializes all controllers with the provided runtime.
func NewRegistry(rt *runtime.Runtime) *Registry {
	return &Registry{
		general:   NewGeneralController(rt),
		queues:    NewQueuesController(rt),
		topics:    NewTopicsController(rt),
		groups:    NewGroupsController(rt),
		endpoints: NewEndpointsController(rt),
	}
}

// RegisterAllRoutes registers every controller's routes with the mux.
func (r *Registry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.queues.RegisterRoutes(mux)
	r.topics.RegisterRoutes(mux)
	r.groups.RegisterRoutes(mux)
	r.endpoints.RegisterRoutes(mux)
}
