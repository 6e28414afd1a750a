// Package store defines the repository interfaces the frontier core persists
// through (frontier entries, jobs, outbox, policies, the event ledger) and the
// transaction boundary they share. Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
