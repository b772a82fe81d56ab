// Package session arbitrates exclusive access to the one attached device.
//
// An Arbiter owns the device handle. Acquire admits at most one holder at a
// time: an atomic busy flag rejects contenders immediately, and a mutex held
// for the whole lease is what actually guards the device. The holder gets a
// Lease whose Forward method is the only way front ends touch the device.
//
// Each lease is recorded in the session ledger when a store is configured.
package session
