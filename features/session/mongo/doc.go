// Package mongo provides a MongoDB-backed session service. Build the low-level
// client via features/session/mongo/clients/mongo and pass it to NewStore, or
// call NewStoreFromMongo, to obtain a Store that exposes the full session
// lifecycle (create, get, list, append, delete) with transactional writes.
package mongo
