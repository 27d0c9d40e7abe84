// Package chat contains the core of the multi-platform chat aggregation
// engine: the canonical message shape, the normalizer, the connector
// registry, and the polling/backoff machinery shared by pull-based
// connectors.
//
// The registry owns the map of live connectors, keyed by connector id.
// Platform packages (twitchchat, youtubechat, instagramchat) register
// constructors in a Factory; the registry dispatches on the platform field
// of a ConnectorConfig and never lets one connector's failure reach its
// siblings. Every connector-level error is converted into either a
// retry/backoff action or a system-type message in the aggregated feed.
//
// Messages are fire-and-forget: connectors normalize each raw platform
// event and hand it to a Broadcaster immediately, in arrival order. No
// ordering guarantee exists across connectors.
package chat
