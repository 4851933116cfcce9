// Package resolver fills in missing entity identifiers on tool arguments. It
// uses the current turn, the session focus and a scoped directory lookup, and
// it refuses to guess when a reference matches more than one record.
package resolver
