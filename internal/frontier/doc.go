// Package frontier defines the core types shared by the dispatch, relay and
// ingestion subsystems: frontier entries, dispatch jobs, outbox messages,
// per-source policies and the wire events exchanged with fetch workers.
package frontier
