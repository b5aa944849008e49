// Package lease implements durable, time-bounded exclusive ownership of
// named resources. Queue message locks, session locks, and consumer-group
// partition ownership are all leases with different scopes.
//
// Every lease carries a fencing token that increases on each change of
// ownership. Holders present the token on renew and release so a stale
// holder whose lease expired and was re-acquired cannot act on it.
//
// Keyspace:
//
//	ns/{ns}/lease/{scope}/{resource}                 -> JSON lease
//	ns/{ns}/lease_idx/{scope}/{expires_be8}/{resource} -> resource
//
// The expiry index is scanned in order by a background sweeper, so expiry
// work is proportional to the number of actually expired leases.
package lease
