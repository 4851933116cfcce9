// Package catalog holds the registered tool descriptors. It answers lookups by
// domain and maps the loosely formed tool names a model produces back onto
// canonical descriptors.
package catalog
