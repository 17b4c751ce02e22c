// Package objectstore is the artifact body store backing the URIs recorded
// in statestore's artifact_objects table: the Engine Runtime fetches task
// inputs and writes task outputs through it, and the Retention Purger
// deletes through it before stamping purged_at. Every example in the
// retrieval pack that talks to a database or broker has a real client
// behind it (lib/pq, go-redis); none talks to an object store, so this
// package is the one boundary in the whole tree built on the standard
// library rather than a third-party SDK — there is nothing in the corpus
// to ground an S3/MinIO/Azure client on, and fabricating a dependency on
// one never exercised elsewhere in the pack would be worse than using
// os/io directly.
package objectstore

import "context"

// Store fetches, writes, and deletes artifact bodies addressed by the URI
// scheme a concrete implementation owns.
type Store interface {
	// Fetch returns the full body addressed by uri.
	Fetch(ctx context.Context, uri string) ([]byte, error)
	// Put writes data under key and returns the URI it is now addressable by.
	// Callers that need idempotent retries should derive key from a stable,
	// attempt-scoped identifier so a duplicate Put is a same-content overwrite.
	Put(ctx context.Context, key string, data []byte) (uri string, err error)
	// Delete removes the object addressed by uri. Deleting an already-absent
	// object is not an error: retention sweeps must tolerate a delete that
	// raced a prior, partially-completed sweep.
	Delete(ctx context.Context, uri string) error
}
