// Package directory stores CRM records per owner and offers the
// case-insensitive substring search used for zero-guess reference resolution.
package directory
