// Package protocol owns the decrypted wire contract and parsing primitives.
//
// Ownership boundary:
// - relay socket frame encode/decode
// - encrypted envelope payload extraction
// - JSON-RPC request classification and per-method validation
// - standard response/error builders
package protocol
