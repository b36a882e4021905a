// Package storage provides storage implementations for the jobs package.
//
// This package includes:
//   - GormStorage: a GORM-based repository for SQLite and PostgreSQL
//   - MemoryStorage: an in-process repository for tests and local development
//   - Open and pool helpers for configuring database connections
//
// Both implementations satisfy core.Repository, including its atomic
// AcquireLock and CompareAndSave contract.
package storage
