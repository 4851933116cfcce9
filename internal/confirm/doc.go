// Package confirm implements the approval workflow for tool calls that need
// the user's consent. It merges arguments across turns and recognizes yes/no
// replies. It also drops the pending action when the user moves on.
package confirm
