package events

import (
	"log/slog"
)

// Decoder tracks per-turn state needed to honor the ProcessedEvent
// contract while translating a vendor's raw stream. One Decoder is used
// per prompt-driver turn; it is not safe for concurrent use.
type Decoder struct {
	log *slog.Logger

	// openRoles tracks logical messages that have started (via Partial or
	// ThinkingPartial) but not yet reached their matching Complete, keyed
	// by role. Used only to catch authoring mistakes in tests/providers;
	// it does not gate delivery.
	openRoles map[string]bool
}

// NewDecoder returns a Decoder that logs dropped/unknown vendor events
// under the given logger.
func NewDecoder(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		log:       log.With("component", "event_decoder"),
		openRoles: make(map[string]bool),
	}
}

// Unknown logs and drops a vendor event type the decoder doesn't recognize.
// Per spec, unknown events never terminate the iteration.
func (d *Decoder) Unknown(vendorEventType string) {
	d.log.Warn("dropping unrecognized vendor event", "vendor_event_type", vendorEventType)
}

// TrackOpen records that a logical message for role has started streaming
// (a Partial or ThinkingPartial was emitted for it).
func (d *Decoder) TrackOpen(role string) {
	d.openRoles[role] = true
}

// TrackComplete records that the Complete for role has been emitted,
// closing out the open logical message for that role boundary.
func (d *Decoder) TrackComplete(role string) {
	delete(d.openRoles, role)
}

// HasOpenRole reports whether a logical message for role began streaming
// without yet reaching Complete. Providers can use this to warn before
// yielding stopped/result events with unterminated streams.
func (d *Decoder) HasOpenRole(role string) bool {
	return d.openRoles[role]
}
