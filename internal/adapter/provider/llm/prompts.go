package llm

import (
	"fmt"
	"strings"

	"github.com/bnema/coachfeed/internal/domain"
)

const systemPrompt = "You are an experienced coaching supervisor reviewing a transcribed coaching session. " +
	"Answer with a single JSON object and nothing else."

var stageInstructions = map[domain.StageKind]string{
	domain.StageBehavioral: `Identify the coach's behavioural patterns. Respond with:
{"summary": string, "strengths": [string], "growth_areas": [string], "recommendations": [string],
 "patterns": [{"name": string, "evidence": [string], "impact": string}]}`,
	domain.StageResearch: `Relate what happened in the session to published coaching research. Respond with:
{"insights": [{"claim": string, "reference": string}], "recommendations": [string]}`,
	domain.StageCommunication: `Describe the communication style. Respond with:
{"coach_talk_ratio": number between 0 and 1, "question_count": integer, "tone": string, "observations": [string]}`,
}

var sectionShapes = map[domain.Section]string{
	domain.SectionSummary:         "a string",
	domain.SectionStrengths:       "an array of strings",
	domain.SectionGrowthAreas:     "an array of strings",
	domain.SectionRecommendations: "an array of strings",
	domain.SectionPatterns:        `an array of {"name": string, "evidence": [string], "impact": string}`,
	domain.SectionInsights:        `an array of {"claim": string, "reference": string}`,
}

func stagePrompt(kind domain.StageKind, transcript string, meta domain.JobMetadata) (string, error) {
	instr, ok := stageInstructions[kind]
	if !ok {
		return "", fmt.Errorf("no prompt for stage %s", kind)
	}
	var b strings.Builder
	b.WriteString(instr)
	b.WriteString("\n\n")
	writeMeta(&b, meta)
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	return b.String(), nil
}

func sectionPrompt(section domain.Section, transcript, summary string) (string, error) {
	shape, ok := sectionShapes[section]
	if !ok {
		return "", fmt.Errorf("no prompt for section %s", section)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "An earlier review of this session left the %q section empty. ", section)
	fmt.Fprintf(&b, "Respond with {\"value\": %s}. If the transcript gives no basis for it, use an empty value.\n\n", shape)
	if summary != "" {
		fmt.Fprintf(&b, "Review summary: %s\n\n", summary)
	}
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	return b.String(), nil
}

func writeMeta(b *strings.Builder, meta domain.JobMetadata) {
	if meta.ClientName != "" {
		fmt.Fprintf(b, "Client: %s\n", meta.ClientName)
	}
	if meta.SessionType != "" {
		fmt.Fprintf(b, "Session type: %s\n", meta.SessionType)
	}
	if meta.Language != "" {
		fmt.Fprintf(b, "Language: %s\n", meta.Language)
	}
}
