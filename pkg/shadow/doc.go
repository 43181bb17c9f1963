// Package shadow keeps a local view of device shadows in sync with a
// shadow-notification stream.
//
// # Overview
//
// A device shadow is a JSON document holding the desired and reported
// state of a remote device. This client tracks one thermostat value pair
// per device:
//
//   - DesiredTemp: the target temperature (shadow field target_temp)
//   - ReportedTemp: the measured temperature (shadow field current_temp)
//
// The Reconciler owns every State. Readers get copies from Snapshot and
// Snapshots; the only write path from the UI is RequestDesiredChange.
//
// # Extraction Rule
//
// Accepted get/update responses and documents notifications carry a full
// state object. Values are read from its "reported" sub-object, falling
// back to "desired" when no reported object exists. Documents
// notifications are read from their "current" document.
//
// Delta notifications carry the unmatched fields directly in the
// top-level state object. They update DesiredTemp (and ReportedTemp when
// present) from there and never look at desired or reported sub-objects.
//
// Anything else (rejected responses, timeouts, foreign updates, payloads
// missing expected fields) leaves state untouched. Malformed payloads are
// logged and recorded in the protocol trace; they are never returned to
// the caller.
//
// # Topics
//
// Shadow topics follow the pattern
//
//	$aws/things/<thing>/shadow/<operation>[/<status>]
//
// ParseTopic and Topic convert between topics and (thing, operation,
// status) triples.
//
// # Numeric Policy
//
// Values edited locally are rounded to whole units (Round) before they
// are stored or sent. Values received from the service are stored as-is.
package shadow
