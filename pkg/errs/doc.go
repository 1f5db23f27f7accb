// Package errs defines the error taxonomy shared by every Trellis engine
// operation: validation, permission, not-found, conflict, archived and store
// errors, plus the HTTP status mapping the transport layer uses.
package errs
