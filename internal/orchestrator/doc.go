// Package orchestrator drives one dialogue turn end to end.
//
// A turn first settles any pending confirmation, then asks the model for
// function calls over the tools chosen by the selector. Search calls run
// first; a search miss ends the turn with a create offer or, when the user
// explicitly asked to create, with the creation itself. Action calls are
// resolved to entity ids, validated and either executed or parked as a
// pending confirmation. Tool results are fed back to the model until it
// answers in text or the round limit is reached.
//
// All work for a conversation happens inside session.Manager.Do, so turns
// for the same conversation never interleave and a turn whose model call
// fails leaves the stored session untouched.
package orchestrator
