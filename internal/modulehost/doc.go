// Package modulehost owns the module-side runtime of the supervision
// contract.
//
// Ownership boundary:
// - check-in announcement to the hypervisor (module_ready)
// - the callback control endpoint the hypervisor dials (shutdown, status)
// - self-reported shutdown notification (module_shutdown)
//
// Modulehost does not execute workloads; what the module process actually
// does between check-in and shutdown belongs to its embedding program.
package modulehost
