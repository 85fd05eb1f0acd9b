// Package session is the orchestrator for the legacy pairing protocol.
//
// Ownership boundary:
// - pairing URI parsing and validation
// - session lifecycle (connect, approve/reject, update, disconnect)
// - inbound frame pipeline: decrypt, classify, answer or emit
// - the typed event stream consumed by the application
//
// One Client serves one process and at most one active session; a new
// Connect supersedes the previous session rather than running alongside
// it.
package session
