// Package stores provides the SQLite journal that records composition runs,
// their lifecycle events and command executions. The journal is an audit log
// for the life of the process; it defaults to an in-memory database.
package stores
