package pii

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"activityd/internal/model"
)

// rulesFile is the on-disk format for operator-supplied detector
// overrides. When present it replaces the built-in table entirely;
// the OCR rule set is always the event set plus the ocr_extra rules.
type rulesFile struct {
	Rules    []ruleSpec `yaml:"rules"`
	OCRExtra []ruleSpec `yaml:"ocr_extra"`
}

type ruleSpec struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Pattern string `yaml:"pattern"`
}

// LoadRules reads a YAML rules file and returns the event and OCR
// rule sets built from it. Detector order is the file's order.
func LoadRules(path string) (event, ocr *RuleSet, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read rules file: %w", err)
	}

	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, nil, fmt.Errorf("parse rules file: %w", err)
	}
	if len(rf.Rules) == 0 {
		return nil, nil, fmt.Errorf("rules file %s defines no rules", path)
	}

	base, err := compile(rf.Rules)
	if err != nil {
		return nil, nil, err
	}
	extra, err := compile(rf.OCRExtra)
	if err != nil {
		return nil, nil, err
	}

	event = &RuleSet{detectors: base}
	ocr = &RuleSet{detectors: append(append([]Detector(nil), base...), extra...)}
	return event, ocr, nil
}

func compile(specs []ruleSpec) ([]Detector, error) {
	detectors := make([]Detector, 0, len(specs))
	for _, s := range specs {
		if s.Name == "" || s.Pattern == "" {
			return nil, fmt.Errorf("rule %q: name and pattern are required", s.Name)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: bad pattern: %w", s.Name, err)
		}
		detectors = append(detectors, Detector{
			Name: s.Name,
			Type: model.PIIType(s.Type),
			re:   re,
		})
	}
	return detectors, nil
}
