// Package registry provides the thread-safe, device-address-indexed maps
// the session orchestrator is built on: the session registry, the
// transient bundle-fetch status registry, and the per-peer device
// directory.
//
// All containers are internally synchronized. Fetch-response callbacks,
// device-list announcements and user-triggered operations may touch them
// concurrently; racing writes to the same address resolve as last
// completed write wins.
package registry
