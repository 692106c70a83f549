// Package store persists chat links, push subscriptions, per-user event
// preferences and the delivery log in a single SQLite database file.
package store
