// Package httpserver exposes the broker's admin and data-plane JSON API:
// queues, topics, subscriptions, consumer groups, push endpoints, and
// namespaces. Handlers live in the controllers subpackage; this package
// owns the mux, CORS, and the serve/shutdown loop.
package httpserver
