// Package crm provides the reference CRM tool set (contacts, properties,
// deals, tasks, calendar events, notes and email) over a directory.Store.
// Tools are returned as plain descriptors and registered explicitly with
// catalog.New.
package crm
