// Package model defines the wire and storage schema for captured
// user-activity events and visual-context classification records.
//
// These types are pure data contracts: they carry no behavior beyond
// validation and are shared by the IPC receiver, the durable buffer,
// and the batch uploader.
package model

import (
	"fmt"
	"time"
)

// EventType identifies the kind of desktop event observed by the
// native capture process. The set is closed: the receiver rejects
// events whose type is not listed here.
type EventType string

const (
	EventAppSwitch            EventType = "app_switch"
	EventWindowFocus          EventType = "window_focus"
	EventMouseClick           EventType = "mouse_click"
	EventMouseDoubleClick     EventType = "mouse_double_click"
	EventMouseDrag            EventType = "mouse_drag"
	EventKeyboardAction       EventType = "keyboard_action"
	EventKeyboardShortcut     EventType = "keyboard_shortcut"
	EventCopyPaste            EventType = "copy_paste"
	EventScroll               EventType = "scroll"
	EventTabSwitch            EventType = "tab_switch"
	EventFileOpen             EventType = "file_open"
	EventFileSave             EventType = "file_save"
	EventURLNavigation        EventType = "url_navigation"
	EventScreenCapture        EventType = "screen_capture"
	EventUIElementInteraction EventType = "ui_element_interaction"
	EventIdleStart            EventType = "idle_start"
	EventIdleEnd              EventType = "idle_end"
)

// validEventTypes is the closed enumeration used by Valid.
var validEventTypes = map[EventType]bool{
	EventAppSwitch:            true,
	EventWindowFocus:          true,
	EventMouseClick:           true,
	EventMouseDoubleClick:     true,
	EventMouseDrag:            true,
	EventKeyboardAction:       true,
	EventKeyboardShortcut:     true,
	EventCopyPaste:            true,
	EventScroll:               true,
	EventTabSwitch:            true,
	EventFileOpen:             true,
	EventFileSave:             true,
	EventURLNavigation:        true,
	EventScreenCapture:        true,
	EventUIElementInteraction: true,
	EventIdleStart:            true,
	EventIdleEnd:              true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return validEventTypes[t]
}

// PIIType classifies the kind of personally identifiable information
// a redaction detector matched. Carried as sensitivity accounting on
// filtered events and VCE records; the matched text itself is never
// carried anywhere.
type PIIType string

const (
	PIISSN         PIIType = "ssn"
	PIICreditCard  PIIType = "credit_card"
	PIIEmail       PIIType = "email"
	PIIPhone       PIIType = "phone"
	PIIAddress     PIIType = "address"
	PIIName        PIIType = "name"
	PIIDateOfBirth PIIType = "date_of_birth"
)

// CaptureEvent is one observed user-activity occurrence as reported by
// the native capture process.
//
// Sequence numbers are monotonically increasing per source connection
// and are used to detect gaps and duplicates. IdempotencyKey, when
// present, is the de-dup key of record: two submissions with the same
// key collapse to one stored record.
type CaptureEvent struct {
	Type            EventType      `json:"event_type" cbor:"1,keyasint"`
	Timestamp       string         `json:"timestamp" cbor:"2,keyasint"`
	Sequence        uint64         `json:"sequence" cbor:"3,keyasint"`
	ApplicationName string         `json:"application_name,omitempty" cbor:"4,keyasint,omitempty"`
	WindowTitle     string         `json:"window_title,omitempty" cbor:"5,keyasint,omitempty"`
	BundleID        string         `json:"bundle_id,omitempty" cbor:"6,keyasint,omitempty"`
	EventData       map[string]any `json:"event_data,omitempty" cbor:"7,keyasint,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty" cbor:"8,keyasint,omitempty"`

	// PIIFlags records which detector categories fired during
	// redaction. Populated by the PII filter, never by the source.
	PIIFlags []PIIType `json:"pii_flags,omitempty" cbor:"9,keyasint,omitempty"`
}

// Validate checks the fields the receiver must not accept blindly.
func (e *CaptureEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Timestamp == "" {
		return fmt.Errorf("missing timestamp")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return fmt.Errorf("bad timestamp %q: %w", e.Timestamp, err)
	}
	return nil
}

// IPCMessage is the transport envelope exchanged over the local IPC
// channel: one framed message carries exactly one CaptureEvent.
//
// Version must match the receiver's supported protocol version or the
// message is rejected; a skew is a configuration error, not a
// transient fault.
type IPCMessage struct {
	Version     int          `json:"version"`
	Sequence    uint64       `json:"sequence"`
	TimestampNs int64        `json:"timestamp_ns"`
	Event       CaptureEvent `json:"event"`
}

// ScreenState is the classification label assigned to a screen
// observation by the visual-context classifier.
type ScreenState string

const (
	StateQueue          ScreenState = "queue"
	StateSearch         ScreenState = "search"
	StateDataEntry      ScreenState = "data_entry"
	StateReview         ScreenState = "review"
	StateError          ScreenState = "error"
	StateWaitingLatency ScreenState = "waiting_latency"
	StateNavigation     ScreenState = "navigation"
	StateOther          ScreenState = "other"
)

// TriggerReason says why a visual-context observation was taken.
type TriggerReason string

const (
	TriggerHighDwell     TriggerReason = "high_dwell"
	TriggerLowConfidence TriggerReason = "low_confidence"
	TriggerException     TriggerReason = "exception"
	TriggerNovelScreen   TriggerReason = "novel_screen"
	TriggerPeriodic      TriggerReason = "periodic"
)

// ScreenObservation is the raw visual-context observation the capture
// process sends over IPC. OCRText and WindowTitle are unredacted at
// this point; they are scrubbed before anything derived from them is
// stored.
type ScreenObservation struct {
	Timestamp        string        `json:"timestamp"`
	ApplicationName  string        `json:"application_name"`
	WindowTitle      string        `json:"window_title"`
	OCRText          string        `json:"ocr_text"`
	TriggerReason    TriggerReason `json:"trigger_reason"`
	DwellMs          int64         `json:"dwell_ms"`
	// InteractionIntensity is input events per second over the dwell
	// period.
	InteractionIntensity float64 `json:"interaction_intensity"`
	SnapshotRef          string  `json:"snapshot_ref,omitempty"`
}

// VCERecord is a metadata-only record describing one classified
// visual-context event.
//
// Invariant: a VCERecord never contains raw pixel data or un-redacted
// OCR text. Redaction happens before the record is constructed; the
// RedactedWindowTitle and RedactedOCRText fields hold already-scrubbed
// text by the time they are set.
type VCERecord struct {
	Timestamp            string        `json:"timestamp" cbor:"1,keyasint"`
	ScreenState          ScreenState   `json:"screen_state_class" cbor:"2,keyasint"`
	Confidence           float64       `json:"confidence" cbor:"3,keyasint"`
	TriggerReason        TriggerReason `json:"trigger_reason" cbor:"4,keyasint"`
	ApplicationName      string        `json:"application_name" cbor:"5,keyasint"`
	DwellMs              int64         `json:"dwell_ms" cbor:"6,keyasint"`
	SystemGuess          string        `json:"system_guess,omitempty" cbor:"7,keyasint,omitempty"`
	ModuleGuess          string        `json:"module_guess,omitempty" cbor:"8,keyasint,omitempty"`
	SensitivityFlags     []PIIType     `json:"sensitivity_flags,omitempty" cbor:"9,keyasint,omitempty"`
	RedactedWindowTitle  string        `json:"window_title_redacted,omitempty" cbor:"10,keyasint,omitempty"`
	InteractionIntensity float64       `json:"interaction_intensity,omitempty" cbor:"11,keyasint,omitempty"`
	SnapshotRef          string        `json:"snapshot_ref,omitempty" cbor:"12,keyasint,omitempty"`
	RedactedOCRText      string        `json:"ocr_text_redacted,omitempty" cbor:"13,keyasint,omitempty"`
	ClassificationMethod string        `json:"classification_method,omitempty" cbor:"14,keyasint,omitempty"`
}

// Validate checks invariants the buffer relies on.
func (r *VCERecord) Validate() error {
	if r.ScreenState == "" {
		return fmt.Errorf("missing screen state")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", r.Confidence)
	}
	if r.Timestamp == "" {
		return fmt.Errorf("missing timestamp")
	}
	return nil
}

// Record kinds as stored in the durable buffer.
const (
	KindCaptureEvent = "capture_event"
	KindVCERecord    = "vce_record"
)
