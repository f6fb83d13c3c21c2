// Package control owns the supervision wire contract.
//
// Ownership boundary:
// - module identity and well-known module ids
// - inbound check-in methods (module_ready, module_shutdown)
// - outbound module control methods (shutdown, status)
// - request/response envelopes and line codec
// - transport reliability and TLS policy
//
// Control does not own registry state or dispatch decisions. The envelope
// shapes defined here are the single source of truth for both transport
// directions; hypervisor and module host bind to them, never the reverse.
package control
