// Package hyperstudybridge is the root of the HyperStudy bridge module, a
// local daemon that exposes laboratory acquisition devices to desktop clients
// over a single WebSocket connection.
//
// # Architecture
//
// The bridge is a thin hub between two worlds:
//
//   - Device side: one driver per instrument (TTL serial trigger, Kernel
//     Flow2 fNIRS, Pupil Labs eye tracker, Biopac MP160, lab streaming layer,
//     and a synthetic mock). Drivers implement the device.Device contract and
//     publish unsolicited status, data, and error events into an event sink.
//   - Client side: a WebSocket server speaking a JSON protocol of commands,
//     queries, and subscriptions. Commands carry client-chosen correlation
//     ids and receive exactly one ack or error each.
//
// Between them sit three pieces:
//
//   - device.Registry serializes all state-changing operations per device
//     through a dedicated worker goroutine, so concurrent clients can never
//     interleave commands on one instrument.
//   - bridge.Dispatcher routes commands onto the registry workers, enforces
//     a per-command deadline, and guarantees single resolution per id.
//   - bridge.Fanout delivers device events to clients through independent
//     drop-oldest queues, so a stalled client sheds its own events instead
//     of slowing the acquisition path.
//
// Performance counters live in perf (lock-free atomics, optionally mirrored
// to Prometheus via metric), and the optional NATS connection in natsclient
// carries lab streaming layer traffic for the lsl driver.
//
// # Packages
//
//   - bridge: WebSocket server, message protocol, dispatcher, fan-out
//   - device: driver contract, shared state machine, registry
//   - device/{ttl,kernel,pupil,biopac,lsl,mock}: drivers
//   - config: configuration loading and validation
//   - factory: builds drivers from configuration
//   - perf, metric: performance counters and Prometheus exposition
//   - errors, pkg/retry, pkg/buffer: shared infrastructure
package hyperstudybridge
