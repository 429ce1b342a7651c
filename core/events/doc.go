// Package events defines the internal dispatch events emitted on the event
// bus. They feed metrics sinks and other observers that must not slow the
// coordinator down.
//
// Available event types:
//   - OfferEvent: an offer was made or resolved
//   - MatchFailedEvent: a matching pass could not produce an offer
package events
