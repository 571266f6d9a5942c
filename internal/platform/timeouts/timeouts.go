// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// Heartbeat is the default interval between connection liveness probes.
const Heartbeat = 30 * time.Second

// Idle is the default window of silence before a participant is marked idle.
const Idle = 2 * time.Minute

// ProviderCall caps a single AI completion or voice synthesis request.
const ProviderCall = 30 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
