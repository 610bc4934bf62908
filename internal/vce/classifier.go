// Package vce classifies screen observations into coarse screen states
// and turns them into metadata-only visual-context records.
//
// Classification is rule-based keyword matching over redacted text plus
// interaction heuristics. A vision-model classifier can be plugged in
// later through the Hybrid type; until then rule-based results win.
package vce

import (
	"regexp"

	"activityd/internal/model"
)

// Confidence tiers for rule-based classification.
const (
	HighConfidence   = 0.80
	MediumConfidence = 0.65
	LowConfidence    = 0.40
)

// Classification methods reported on records.
const (
	MethodRuleBased = "rule_based"
	MethodVLM       = "vlm"
)

var (
	reError      = regexp.MustCompile(`(?i)\b(error|exception|failed|failure|invalid|not found|denied|forbidden|timeout|crash)\b`)
	reSearch     = regexp.MustCompile(`(?i)\b(search|find|filter|results|query|lookup|no results)\b`)
	reQueue      = regexp.MustCompile(`(?i)\b(queue|inbox|pending|backlog|worklist|workqueue|work list|unassigned|waiting)\b`)
	reDataEntry  = regexp.MustCompile(`(?i)\b(enter|input|form|submit|save|create|new|add|edit|update|required field)\b`)
	reReview     = regexp.MustCompile(`(?i)\b(review|approve|reject|confirm|verify|check|validate|decision|authorise|authorize)\b`)
	reWaiting    = regexp.MustCompile(`(?i)\b(loading|please wait|processing|saving|uploading|downloading|connecting)\b`)
	reNavigation = regexp.MustCompile(`(?i)\b(home|dashboard|menu|navigate|back|forward|previous|next|step \d|page \d)\b`)
)

// Input is one observation to classify. OCRText and WindowTitle must
// already be redacted.
type Input struct {
	OCRText              string
	WindowTitle          string
	ApplicationName      string
	InteractionIntensity float64 // input events per second during dwell
	DwellMs              int64
}

// RuleBased classifies screen state using keyword matching and
// interaction heuristics.
type RuleBased struct{}

// Classify returns the screen state and a confidence in [0,1].
//
// Priority order: error > waiting > queue > search > data_entry >
// review > navigation, then dwell/intensity heuristics, then other.
func (RuleBased) Classify(in Input) (model.ScreenState, float64) {
	combined := in.WindowTitle + " " + in.OCRText

	if reError.MatchString(combined) {
		return model.StateError, HighConfidence
	}

	if reWaiting.MatchString(combined) {
		// Low interaction corroborates a stall.
		if in.InteractionIntensity < 0.5 {
			return model.StateWaitingLatency, HighConfidence
		}
		return model.StateWaitingLatency, MediumConfidence
	}

	if reQueue.MatchString(combined) {
		return model.StateQueue, HighConfidence
	}

	if reSearch.MatchString(combined) {
		return model.StateSearch, HighConfidence
	}

	if reDataEntry.MatchString(combined) {
		// Sustained typing raises confidence.
		if in.InteractionIntensity > 1.0 {
			return model.StateDataEntry, HighConfidence
		}
		return model.StateDataEntry, MediumConfidence
	}

	if reReview.MatchString(combined) {
		return model.StateReview, HighConfidence
	}

	if reNavigation.MatchString(combined) {
		return model.StateNavigation, MediumConfidence
	}

	if in.DwellMs > 10000 && in.InteractionIntensity < 0.1 {
		return model.StateWaitingLatency, MediumConfidence
	}

	if in.DwellMs > 5000 && in.InteractionIntensity > 2.0 {
		return model.StateDataEntry, LowConfidence
	}

	return model.StateOther, LowConfidence
}

// ImageClassifier classifies a raw screen image. No implementation
// ships yet; Hybrid treats a nil classifier as absent.
type ImageClassifier interface {
	ClassifyImage(image []byte) (model.ScreenState, float64)
}

// Hybrid runs the rule-based classifier and, when an image classifier
// and image are available, keeps whichever result is more confident.
type Hybrid struct {
	rules RuleBased
	vlm   ImageClassifier
}

// NewHybrid creates a hybrid classifier. vlm may be nil.
func NewHybrid(vlm ImageClassifier) *Hybrid {
	return &Hybrid{vlm: vlm}
}

// Classify returns the state, confidence, and which method produced it.
func (h *Hybrid) Classify(in Input, image []byte) (model.ScreenState, float64, string) {
	state, conf := h.rules.Classify(in)

	if h.vlm != nil && len(image) > 0 {
		vState, vConf := h.vlm.ClassifyImage(image)
		if vConf > conf {
			return vState, vConf, MethodVLM
		}
	}

	return state, conf, MethodRuleBased
}
