package dispatch

import (
	"fmt"
	"strings"

	"relay/internal/learning"
	"relay/internal/persona"
)

// buildPrompt composes the enriched prompt handed to the reasoner. The
// layout is stable: persona header, system prompt, optional skill hint,
// lesson bullets, then the raw payload.
func buildPrompt(profile *persona.Profile, lessons []learning.Lesson, payload string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Persona: %s\n\n", profile.ID)

	if profile.SystemPrompt != "" {
		b.WriteString(profile.SystemPrompt)
		b.WriteString("\n\n")
	}

	if profile.PrioritySkill != "" {
		fmt.Fprintf(&b, "Preferred skill: %s\n\n", profile.PrioritySkill)
	}

	if len(lessons) > 0 {
		b.WriteString("Relevant lessons from past tasks:\n")
		for _, l := range lessons {
			b.WriteString("- ")
			b.WriteString(l.LessonSummary)
			if l.Solution != "" {
				fmt.Fprintf(&b, " (solution: %s)", l.Solution)
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	b.WriteString("## Request\n")
	b.WriteString(payload)

	return b.String()
}

// appendRememberedSolution extends a prompt for a retry with the solution a
// previous lesson recorded for the same failure shape.
func appendRememberedSolution(prompt string, lesson *learning.Lesson) string {
	if lesson == nil || lesson.Solution == "" {
		return prompt
	}
	return prompt + fmt.Sprintf(
		"\n\nThe previous attempt failed. A remembered solution for this failure: %s",
		lesson.Solution)
}
