// Package service runs the matching core: one goroutine owns every book, the
// ledger and the executor, and processes commands one at a time from a
// bounded queue. Every state change is appended to the entry WAL before it
// is applied, and replaying that log rebuilds the same state through the
// same code paths.
//
// It is decoupled from transports; api/grpcserver and api/admin call the
// Engine's exported methods only.
package service
