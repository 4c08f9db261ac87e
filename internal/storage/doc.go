// Package storage is the durable event store.
//
// It is the sole synchronization point between workers: claim exclusivity is
// enforced by a storage-level uniqueness constraint (the fetch_claims primary
// key), never by advisory locking in application code. Everything else in the
// pipeline owns its state exclusively.
package storage
