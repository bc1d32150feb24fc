// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema management and strongly typed queries for archiving
// finished orchestration runs, with a JSONL-backed in-memory variant for
// local development.
package mysql
