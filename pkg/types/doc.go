// Package types defines the core data structures shared across the Pool
// Service: identifiers, the error taxonomy, capability/mode bits, and the
// small value types persisted in a pool's metadata schema.
//
// pkg/poolmap builds on TargetStatus and UpdateOpcode defined here to
// implement the versioned topology tree itself (its own Domain, Node and
// Target types); pkg/schema and
// pkg/poolsvc build on Attributes, HandleRecord, RebuildStatus and
// LeaderHint to implement the persisted schema and RPC replies.
package types
