// Package mongo provides the MongoDB-backed implementation of store.Store.
// Collection access goes through narrow interfaces so tests can substitute
// fakes without a running server; multi-document operations (publish,
// import) run inside causally-consistent session transactions.
package mongo
