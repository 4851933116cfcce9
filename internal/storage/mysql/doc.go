// Package mysql persists the per-user CRM directory in MySQL. It runs the
// embedded schema migrations on startup and maps driver errors onto the
// coded errors used by the rest of the service.
package mysql
