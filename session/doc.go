// Package session persists conversation history between pipeline runs.
//
// A Store maps a session id to its message history. The pipeline loads the
// history before a run, prepends it to the caller's messages and saves the
// full history once the run has finished. InMemoryStore suits tests and
// single process deployments; RedisStore shares history across processes.
package session
