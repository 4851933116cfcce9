// Package config loads the CRM dialogue service configuration from a YAML or
// JSON file, applies CRMDIALOG_* environment overrides on top of built-in
// defaults and validates the result before any component is wired.
package config
