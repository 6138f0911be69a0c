// Package server hosts the Fiber HTTP plumbing shared by every unit in the
// group: the base application with request-ID and recover middleware, the tier
// protocol routes (/cache/<key>), the shared upstream HTTP client, and HTTPUnit,
// which adapts a Fiber app plus a pre-bound listener into a supervised unit.
// Keep exports narrow and accept explicit dependencies; wiring from config
// happens in the bootstrap package.
package server
