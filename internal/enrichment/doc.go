// Package enrichment scans reference material for details that relate to a
// user's request. Matches feed suggested values into pending confirmations.
package enrichment
