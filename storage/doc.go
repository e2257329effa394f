// Package storage provides the persistence contracts for the identity
// subsystem: users, single-use login tokens, and linked platform accounts.
//
// Implementations must honor the atomic-conditional semantics documented on
// TokenStore and AccountStore; check-then-act sequences split across calls
// would reintroduce the double-redemption races these interfaces exist to
// prevent.
package storage
