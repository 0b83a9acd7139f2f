// Package mongo provides a MongoDB-backed history.Store so session history
// survives restarts and compaction generations are installed atomically.
package mongo
