package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type StageKind string

const (
	StageBehavioral    StageKind = "behavioral_patterns"
	StageResearch      StageKind = "research_grounding"
	StageCommunication StageKind = "communication_style"
)

type Pattern struct {
	Name     string   `json:"name"`
	Evidence []string `json:"evidence,omitempty"`
	Impact   string   `json:"impact,omitempty"`
}

type Insight struct {
	Claim     string `json:"claim"`
	Reference string `json:"reference,omitempty"`
}

// BehavioralAnalysis is the primary stage payload.
type BehavioralAnalysis struct {
	Summary         string    `json:"summary"`
	Strengths       []string  `json:"strengths"`
	GrowthAreas     []string  `json:"growth_areas"`
	Recommendations []string  `json:"recommendations"`
	Patterns        []Pattern `json:"patterns"`
}

type ResearchAnalysis struct {
	Insights        []Insight `json:"insights"`
	Recommendations []string  `json:"recommendations"`
}

type CommunicationAnalysis struct {
	CoachTalkRatio float64  `json:"coach_talk_ratio"`
	QuestionCount  int      `json:"question_count"`
	Tone           string   `json:"tone"`
	Observations   []string `json:"observations"`
}

// StageResult is the outcome of one analysis pass. Exactly one payload field is
// set for a known kind; unrecognized kinds carry their raw payload in Extra.
type StageResult struct {
	Kind          StageKind
	Behavioral    *BehavioralAnalysis
	Research      *ResearchAnalysis
	Communication *CommunicationAnalysis
	Extra         json.RawMessage
	Elapsed       time.Duration
	Err           error
}

func (r StageResult) OK() bool {
	return r.Err == nil
}

// DecodeStagePayload builds a StageResult for kind from a raw JSON object.
func DecodeStagePayload(kind StageKind, raw json.RawMessage) (StageResult, error) {
	result := StageResult{Kind: kind}
	var err error
	switch kind {
	case StageBehavioral:
		result.Behavioral = &BehavioralAnalysis{}
		err = json.Unmarshal(raw, result.Behavioral)
	case StageResearch:
		result.Research = &ResearchAnalysis{}
		err = json.Unmarshal(raw, result.Research)
	case StageCommunication:
		result.Communication = &CommunicationAnalysis{}
		err = json.Unmarshal(raw, result.Communication)
	default:
		if !json.Valid(raw) {
			err = fmt.Errorf("invalid JSON payload")
		}
		result.Extra = raw
	}
	if err != nil {
		return StageResult{}, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return result, nil
}

type StageOutcome struct {
	Kind      StageKind `json:"kind"`
	Primary   bool      `json:"primary"`
	OK        bool      `json:"ok"`
	ElapsedMs int64     `json:"elapsed_ms"`
	Error     string    `json:"error,omitempty"`
}

// Section names a subsection of the synthesized analysis that quality assurance inspects.
type Section string

const (
	SectionSummary         Section = "summary"
	SectionStrengths       Section = "strengths"
	SectionGrowthAreas     Section = "growth_areas"
	SectionRecommendations Section = "recommendations"
	SectionPatterns        Section = "patterns"
	SectionInsights        Section = "insights"
)

// SynthesizedAnalysis is the job's persisted outcome.
type SynthesizedAnalysis struct {
	Summary         string                     `json:"summary"`
	Strengths       []string                   `json:"strengths"`
	GrowthAreas     []string                   `json:"growth_areas"`
	Recommendations []string                   `json:"recommendations"`
	Patterns        []Pattern                  `json:"patterns"`
	Insights        []Insight                  `json:"insights"`
	Communication   *CommunicationAnalysis     `json:"communication,omitempty"`
	Extra           map[string]json.RawMessage `json:"extra,omitempty"`
	Stages          []StageOutcome             `json:"stages"`
	GapsFilled      []Section                  `json:"gaps_filled,omitempty"`
	GapsRemaining   []Section                  `json:"gaps_remaining,omitempty"`
	TranscriptChars int                        `json:"transcript_chars"`
	DurationSeconds float64                    `json:"duration_seconds"`
	GeneratedAt     time.Time                  `json:"generated_at"`
}

// Synthesize merges successful stage results. Order of results does not
// affect the output; failed results only contribute their outcome record.
func Synthesize(results []StageResult) *SynthesizedAnalysis {
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(a, b StageResult) int {
		switch {
		case a.Kind < b.Kind:
			return -1
		case a.Kind > b.Kind:
			return 1
		}
		return 0
	})

	out := &SynthesizedAnalysis{}
	for _, r := range ordered {
		if !r.OK() {
			continue
		}
		switch r.Kind {
		case StageBehavioral:
			if b := r.Behavioral; b != nil {
				out.Summary = b.Summary
				out.Strengths = appendUnique(out.Strengths, b.Strengths...)
				out.GrowthAreas = appendUnique(out.GrowthAreas, b.GrowthAreas...)
				out.Recommendations = appendUnique(out.Recommendations, b.Recommendations...)
				out.Patterns = append(out.Patterns, b.Patterns...)
			}
		case StageResearch:
			if rs := r.Research; rs != nil {
				out.Insights = append(out.Insights, rs.Insights...)
				out.Recommendations = appendUnique(out.Recommendations, rs.Recommendations...)
			}
		case StageCommunication:
			out.Communication = r.Communication
		default:
			if len(r.Extra) > 0 {
				if out.Extra == nil {
					out.Extra = make(map[string]json.RawMessage)
				}
				out.Extra[string(r.Kind)] = r.Extra
			}
		}
	}
	return out
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		if it != "" && !slices.Contains(dst, it) {
			dst = append(dst, it)
		}
	}
	return dst
}

// ExpectedSections lists the sections that should be populated given which
// stages succeeded.
func (a *SynthesizedAnalysis) ExpectedSections() []Section {
	sections := []Section{SectionSummary, SectionStrengths, SectionGrowthAreas, SectionRecommendations, SectionPatterns}
	for _, s := range a.Stages {
		if s.Kind == StageResearch && s.OK {
			sections = append(sections, SectionInsights)
		}
	}
	return sections
}

// MissingSections returns expected sections that are empty.
func (a *SynthesizedAnalysis) MissingSections() []Section {
	var missing []Section
	for _, s := range a.ExpectedSections() {
		if a.sectionEmpty(s) {
			missing = append(missing, s)
		}
	}
	return missing
}

func (a *SynthesizedAnalysis) sectionEmpty(s Section) bool {
	switch s {
	case SectionSummary:
		return a.Summary == ""
	case SectionStrengths:
		return len(a.Strengths) == 0
	case SectionGrowthAreas:
		return len(a.GrowthAreas) == 0
	case SectionRecommendations:
		return len(a.Recommendations) == 0
	case SectionPatterns:
		return len(a.Patterns) == 0
	case SectionInsights:
		return len(a.Insights) == 0
	default:
		return false
	}
}

// ApplySection decodes provider content for one section into the analysis.
// Empty content leaves the section empty and reports false.
func (a *SynthesizedAnalysis) ApplySection(s Section, raw json.RawMessage) (bool, error) {
	var err error
	switch s {
	case SectionSummary:
		err = json.Unmarshal(raw, &a.Summary)
	case SectionStrengths:
		err = json.Unmarshal(raw, &a.Strengths)
	case SectionGrowthAreas:
		err = json.Unmarshal(raw, &a.GrowthAreas)
	case SectionRecommendations:
		err = json.Unmarshal(raw, &a.Recommendations)
	case SectionPatterns:
		err = json.Unmarshal(raw, &a.Patterns)
	case SectionInsights:
		err = json.Unmarshal(raw, &a.Insights)
	default:
		return false, fmt.Errorf("unknown section %q", s)
	}
	if err != nil {
		return false, fmt.Errorf("decode section %s: %w", s, err)
	}
	return !a.sectionEmpty(s), nil
}
