// Package stores provides the SQLite persistence layer for the cell fleet.
// It holds the cell registry, user assignments, per-cell items, versioned
// cell templates, provisioned stacks, rollout runs with their plan units and
// events, canary results and the audit log. The schema is embedded and
// applied with golang-migrate; the database runs in WAL mode.
package stores
