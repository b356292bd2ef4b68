// Package storage is the persistence layer for accounts, retry tasks,
// monitored targets, and the audit log.
//
// Drivers: "sqlite" (default) and "memory" (tests, throwaway runs).
package storage
