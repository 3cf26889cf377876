// Package persistence caches per-instrument settings between sessions.
//
// The settings file is YAML. Each instrument kind owns a group of string
// values, typically the path of the last device used, so the next session
// can reconnect without asking.
package persistence
