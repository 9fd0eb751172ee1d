// Package runstore persists pipeline runs, stage execution records and the
// run event log in SQL.
//
// Two backends share one implementation: SQLite (modernc.org/sqlite) for a
// single host and PostgreSQL (pgx stdlib driver) when several daemons share
// state. Every status change is a compare-and-set UPDATE guarded by the
// expected prior status, so concurrent writers cannot both win. Schema
// triggers make SUCCEEDED execution records and terminal runs immutable.
package runstore
