// Package entity extracts contacts, properties, deals, tasks and calendar
// events from tool results and records them as the session's focus and
// recency lists.
package entity
