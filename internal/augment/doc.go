// Package augment derives follow-up suggestions and UI actions from the tools
// executed during a turn.
package augment
