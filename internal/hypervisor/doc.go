// Package hypervisor owns supervision concerns.
//
// Ownership boundary:
// - module lifecycle registry (registered -> ready -> shutdown-requested)
// - inbound check-in contract served to module processes
// - outbound shutdown dispatch to module control endpoints
// - operator admin control and HTTP status surfaces
//
// Hypervisor does not spawn module processes, detect crashes, or decide
// respawn policy; those belong to whatever owns the processes themselves.
package hypervisor
