// Package storage defines persistence for generated spec artifacts.
//
// A CachingProvider in pkg/spec writes every successfully generated
// artifact through to an ArtifactStore, so a restarted core can serve
// descriptions without regenerating them. Implementations live in the
// memory and postgres sub-packages; this package holds the interface,
// the record type and sentinel errors.
package storage
