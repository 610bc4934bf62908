// Package pii scrubs personally identifiable information from event
// text before anything is persisted or transmitted.
//
// The filter is mandatory and unconditional: every record reaching the
// durable buffer has already passed through it. It is the last line of
// defense before PII could reach disk or the network.
//
// Two rule sets exist on purpose. The event rule set covers structured
// event fields (window titles, URL fragments, clipboard summaries)
// with high-precision detectors. The OCR rule set is a superset that
// adds looser name and address heuristics: OCR text warrants them,
// structured fields would be over-redacted by them.
package pii

import (
	"regexp"

	"activityd/internal/model"
)

// Marker replaces every matched substring.
const Marker = "[REDACTED]"

// Detector is one ordered redaction rule.
type Detector struct {
	Name string
	Type model.PIIType
	re   *regexp.Regexp
}

// RuleSet is an ordered list of detectors. Detectors apply
// sequentially: a match from an earlier detector is replaced before
// later detectors scan the result, which resolves overlaps
// deterministically by insertion order.
type RuleSet struct {
	detectors []Detector
}

// Built-in detector patterns. Order matters: more specific identifiers
// run before broad ones so that, for example, a card number is flagged
// as credit_card and not swallowed by the phone detector.
var (
	reSSN        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reCreditCard = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	reEmail      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	rePhone      = regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)
	reDOB        = regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:19|20)\d{2}\b`)

	// OCR-only heuristics.
	reName    = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`)
	reAddress = regexp.MustCompile(`\b\d{1,5}\s+[A-Z][A-Za-z]+(?:\s+[A-Z][A-Za-z]+)?\s+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way)\b\.?`)
)

func builtinEventDetectors() []Detector {
	return []Detector{
		{Name: "ssn", Type: model.PIISSN, re: reSSN},
		{Name: "credit_card", Type: model.PIICreditCard, re: reCreditCard},
		{Name: "email", Type: model.PIIEmail, re: reEmail},
		{Name: "phone", Type: model.PIIPhone, re: rePhone},
		{Name: "date_of_birth", Type: model.PIIDateOfBirth, re: reDOB},
	}
}

func builtinOCRDetectors() []Detector {
	return append(builtinEventDetectors(),
		Detector{Name: "name", Type: model.PIIName, re: reName},
		Detector{Name: "address", Type: model.PIIAddress, re: reAddress},
	)
}

// EventRules returns the rule set applied to structured event fields.
func EventRules() *RuleSet {
	return &RuleSet{detectors: builtinEventDetectors()}
}

// OCRRules returns the rule set applied to OCR text and window titles
// captured for visual-context classification.
func OCRRules() *RuleSet {
	return &RuleSet{detectors: builtinOCRDetectors()}
}

// Scrub replaces every substring matching any detector with the
// redaction marker. Detectors apply in insertion order.
func (r *RuleSet) Scrub(text string) string {
	scrubbed, _ := r.scrub(text)
	return scrubbed
}

// Contains reports whether any detector matches. It is side-effect
// free and does not modify the input.
func (r *RuleSet) Contains(text string) bool {
	for _, d := range r.detectors {
		if d.re.MatchString(text) {
			return true
		}
	}
	return false
}

func (r *RuleSet) scrub(text string) (string, []model.PIIType) {
	var flags []model.PIIType
	for _, d := range r.detectors {
		if !d.re.MatchString(text) {
			continue
		}
		text = d.re.ReplaceAllString(text, Marker)
		flags = append(flags, d.Type)
	}
	return text, flags
}

// FilterEvent applies Scrub to the allow-listed top-level string
// fields of an event and to every string-valued entry of its
// structured payload map. It is pure: the input is unmodified and a
// new value is returned, with PIIFlags set to the union of detector
// categories that fired.
func (r *RuleSet) FilterEvent(ev model.CaptureEvent) model.CaptureEvent {
	out := ev
	seen := make(map[model.PIIType]bool)
	record := func(flags []model.PIIType) {
		for _, f := range flags {
			seen[f] = true
		}
	}

	var flags []model.PIIType
	out.WindowTitle, flags = r.scrub(ev.WindowTitle)
	record(flags)

	if ev.EventData != nil {
		data := make(map[string]any, len(ev.EventData))
		for k, v := range ev.EventData {
			if s, ok := v.(string); ok {
				scrubbed, f := r.scrub(s)
				data[k] = scrubbed
				record(f)
			} else {
				data[k] = v
			}
		}
		out.EventData = data
	}

	if len(seen) > 0 {
		out.PIIFlags = make([]model.PIIType, 0, len(seen))
		for _, d := range r.detectors {
			if seen[d.Type] {
				out.PIIFlags = append(out.PIIFlags, d.Type)
				delete(seen, d.Type)
			}
		}
	}

	return out
}

// ScrubWithFlags scrubs free text and reports which detector
// categories fired, for sensitivity accounting on VCE records.
func (r *RuleSet) ScrubWithFlags(text string) (string, []model.PIIType) {
	return r.scrub(text)
}
