// Package buzzvarsync is the client-side data core of the Buzzvar venue
// discovery app: a tiered cache with a real-time synchronization layer over
// NATS.
//
// # Architecture
//
// Reads flow through three layers, each falling back to the next:
//
//	┌─────────────────────────────────────┐
//	│           service                   │  Domain read API
//	│  (vibe checks, venues, promotions)  │  Rate-limit checks
//	└─────────────────────────────────────┘
//	           ↓ read-through
//	┌─────────────────────────────────────┐
//	│            cache                    │  Memory tier + KV tier
//	│      (memory → natskv)              │  TTL, eviction, promotion
//	└─────────────────────────────────────┘
//	           ↓ on miss, gated by connectivity
//	┌─────────────────────────────────────┐
//	│          realtime                   │  Queries + change streams
//	│        (natssource)                 │  over NATS request/reply
//	└─────────────────────────────────────┘
//
// Writes arrive the other way: the realtime manager subscribes to change
// streams, invalidates affected cache entries, hydrates the changed rows,
// and dispatches them to the UI in debounced batches.
//
// # Packages
//
//   - cache: two-tier key-value cache ([]byte values, JSON-encoded) with
//     TTL expiry, bounded memory, and promotion from the persistent tier.
//   - natskv: JetStream key-value adapter used as the persistent tier.
//   - assetcache: local file cache for venue photos with priority
//     eviction and download deduplication.
//   - connectivity: cached, rate-limited reachability checks that gate
//     remote fetches.
//   - realtime: subscription manager with pooled change channels, event
//     batching, hydration, and heartbeat recovery.
//   - realtime/natssource: the production realtime source over core NATS.
//   - service: the domain layer the UI calls.
//   - config, errors, health, metric, perf: configuration, error
//     classification, health reporting, Prometheus metrics, and
//     performance timing shared by everything above.
//
// The cmd/buzzvar-sync binary wires all of this over one NATS connection.
package buzzvarsync
