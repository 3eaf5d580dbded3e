// Package storage keeps cupcake's audit trail of job and profile mutations.
//
// Two drivers are available:
//   - file: append-only JSON Lines
//   - sqlite: a single SQLite database file (pure Go driver)
package storage
