// Package store defines the run ledger: the record of every subset transition
// made by a run. Implementations live in sub-packages; this package must not
// import database drivers or concrete clients.
package store
