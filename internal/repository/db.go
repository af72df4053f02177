// Package repository contains the Postgres persistence layer. Write methods
// that take a *sql.Tx participate in the caller's transaction; everything
// else runs on the pool.
package repository

// scanner abstracts over *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}
