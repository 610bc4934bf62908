package vce

import (
	"fmt"
	"sync"

	"activityd/internal/model"
	"activityd/internal/pii"
)

// Appender persists visual-context records.
type Appender interface {
	AppendVCE(rec model.VCERecord) (int64, error)
}

// Recorder turns raw screen observations into redacted, classified
// visual-context records. It is the ContextSink wired behind the IPC
// server.
type Recorder struct {
	mu         sync.RWMutex
	sink       Appender
	rules      *pii.RuleSet
	classifier *Hybrid
}

// NewRecorder creates a recorder. rules should be the OCR rule set;
// nil falls back to the built-in one.
func NewRecorder(sink Appender, rules *pii.RuleSet, classifier *Hybrid) *Recorder {
	if rules == nil {
		rules = pii.OCRRules()
	}
	if classifier == nil {
		classifier = NewHybrid(nil)
	}
	return &Recorder{sink: sink, rules: rules, classifier: classifier}
}

// SetRules swaps the redaction rules. Used when the local rules file
// is live-reloaded.
func (r *Recorder) SetRules(rules *pii.RuleSet) {
	if rules == nil {
		return
	}
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
}

func (r *Recorder) getRules() *pii.RuleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules
}

// Observe redacts, classifies, and persists one observation, returning
// the storage id. Redaction happens before the record exists so no
// unredacted text can reach storage.
func (r *Recorder) Observe(obs model.ScreenObservation) (int64, error) {
	rules := r.getRules()
	title, titleFlags := rules.ScrubWithFlags(obs.WindowTitle)
	ocr, ocrFlags := rules.ScrubWithFlags(obs.OCRText)

	state, conf, method := r.classifier.Classify(Input{
		OCRText:              ocr,
		WindowTitle:          title,
		ApplicationName:      obs.ApplicationName,
		InteractionIntensity: obs.InteractionIntensity,
		DwellMs:              obs.DwellMs,
	}, nil)

	rec := model.VCERecord{
		Timestamp:            obs.Timestamp,
		ScreenState:          state,
		Confidence:           conf,
		TriggerReason:        obs.TriggerReason,
		ApplicationName:      obs.ApplicationName,
		DwellMs:              obs.DwellMs,
		SensitivityFlags:     mergeFlags(titleFlags, ocrFlags),
		RedactedWindowTitle:  title,
		InteractionIntensity: obs.InteractionIntensity,
		SnapshotRef:          obs.SnapshotRef,
		RedactedOCRText:      ocr,
		ClassificationMethod: method,
	}

	if err := rec.Validate(); err != nil {
		return 0, fmt.Errorf("vce: invalid record: %w", err)
	}

	return r.sink.AppendVCE(rec)
}

// mergeFlags unions the flag lists, preserving first-seen order.
func mergeFlags(lists ...[]model.PIIType) []model.PIIType {
	var out []model.PIIType
	seen := make(map[model.PIIType]bool)
	for _, list := range lists {
		for _, f := range list {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}
