// Package dispatch pushes newly appended records to registered HTTP
// endpoints.
//
// An endpoint is registered against one stream and starts in
// pending-validation: a challenge code is delivered to the URL and must
// be echoed back, either in the validation response body or through an
// explicit validate call, inside a bounded window. Active endpoints are
// drained by a bounded worker pool; each endpoint has its own durable
// cursor, so a slow endpoint never stalls another.
//
// Delivery of one record walks Pending -> Delivering -> Delivered,
// Retrying, or PermanentlyFailed. Transient failures retry on an
// exponential backoff schedule with jitter, capped by max attempts and
// an overall TTL; a 4xx response is terminal on first occurrence.
// Terminal failures land in the endpoint's dead-letter log with the
// failure reason, and the cursor advances either way.
package dispatch
