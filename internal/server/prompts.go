package server

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// System personas per endpoint family. Prompts built below are the user turn;
// these are the fixed system turn.
const (
	personaClinicalAnalyst = "You are a clinical analyst supporting a licensed couples therapist. " +
		"You write concise, evidence-grounded observations from relationship exercise data. " +
		"You never diagnose; you surface discrepancies, patterns, and concrete discussion points. " +
		"Refer to the partners only as Partner 1 and Partner 2."

	personaRelationshipCoach = "You are a warm, practical relationship coach inside a couples app. " +
		"You speak directly to one partner, keep suggestions small and actionable, and never " +
		"use clinical jargon. Refer to the reader as 'you' and to the other person as 'your partner'."

	personaCommunicationCoach = "You are a communication coach guiding structured couple dialogues. " +
		"You give short, encouraging feedback on how well a response reflects the speaker's " +
		"message, and suggest one improvement at a time. Refer to the reader as 'you' and to " +
		"the other person as 'your partner'."

	personaSentimentAnalyst = "You are a sentiment analyst. Given a transcript of a short voice " +
		"message between partners, respond with strict JSON: " +
		`{"score": <integer 1-10>, "summary": "<one sentence>", "tones": ["<tone>", ...]}. ` +
		"Score 1 is hostile, 10 is loving. Output JSON only, no prose around it."
)

// anonymizeForPrompt strips both partners' real names from free text before
// it crosses to the LLM. Full names are replaced before first names so
// "Ana Lima" never survives as "Partner 1 Lima".
func anonymizeForPrompt(text string, couple coupleRecord, label1, label2 string) string {
	result := text
	result = replaceFold(result, couple.Partner1Name, label1)
	result = replaceFold(result, couple.Partner2Name, label2)
	result = replaceFold(result, firstName(couple.Partner1Name), label1)
	result = replaceFold(result, firstName(couple.Partner2Name), label2)
	return result
}

func firstName(fullName string) string {
	fields := strings.Fields(strings.TrimSpace(fullName))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// replaceFold replaces every case-insensitive occurrence of old in s. Matching
// walks runes rather than a lowered copy: lowercasing changes byte length for
// some runes, so offsets must always index the original string.
func replaceFold(s, old, replacement string) string {
	old = strings.TrimSpace(old)
	if old == "" {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if n, ok := foldPrefixLen(s[i:], old); ok {
			b.WriteString(replacement)
			i += n
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}

// foldPrefixLen reports whether s starts with a case-insensitive match of
// needle and, if so, how many bytes of s the match covers.
func foldPrefixLen(s, needle string) (int, bool) {
	i := 0
	for _, want := range needle {
		r, size := utf8.DecodeRuneInString(s[i:])
		if size == 0 {
			return 0, false
		}
		if r != want && unicode.ToLower(r) != unicode.ToLower(want) {
			return 0, false
		}
		i += size
	}
	return i, true
}

func metricLines(metrics []summaryMetric) []string {
	lines := make([]string, 0, len(metrics))
	for _, metric := range metrics {
		lines = append(lines, fmt.Sprintf("- %s: %d", metric.Name, metric.Count))
	}
	return lines
}

// buildInsightsPrompt renders the twelve-week snapshot for the therapist
// insights report. Check-in reflections are included verbatim apart from name
// anonymization.
func buildInsightsPrompt(couple coupleRecord, activity coupleActivity, stats checkinStats) string {
	lines := []string{
		"Analyze the last 12 weeks of relationship exercise data for a couple in therapy.",
		"",
		"Activity counts:",
	}
	lines = append(lines, metricLines(activitySummary(activity))...)
	lines = append(lines,
		"",
		"Weekly check-in scores (1-10 scales):",
		fmt.Sprintf("- Partner 1: %d check-ins, avg connectedness %.1f, avg conflict %.1f", stats.Partner1Count, stats.AvgConnectednessP[0], stats.AvgConflictP[0]),
		fmt.Sprintf("- Partner 2: %d check-ins, avg connectedness %.1f, avg conflict %.1f", stats.Partner2Count, stats.AvgConnectednessP[1], stats.AvgConflictP[1]),
		fmt.Sprintf("- Joint completion rate: %d%% of active weeks had both partners check in", stats.CompletionRate),
	)

	reflections := collectReflections(couple, activity, 10, "Partner 1", "Partner 2")
	if len(reflections) > 0 {
		lines = append(lines, "", "Recent check-in reflections:")
		lines = append(lines, reflections...)
	}

	if flagged := flaggedHorsemenPatterns(activity.HorsemenByType); len(flagged) > 0 {
		lines = append(lines, "", "Flagged communication patterns (3+ incidents): "+strings.Join(flagged, ", "))
	}

	lines = append(lines,
		"",
		"Respond with strict JSON in this shape:",
		`{"summary": "<2-3 sentence overview>",`,
		` "discrepancies": ["<difference between the partners' reported experience>", ...],`,
		` "patterns": ["<recurring behavioral pattern>", ...],`,
		` "recommendations": ["<specific exercise or discussion point for the next session>", ...]}`,
		"Output JSON only.",
	)
	return strings.Join(lines, "\n")
}

// buildSessionPrepPrompt renders the four-week snapshot ahead of a live
// session. Unlike insights this asks for free text, not JSON.
func buildSessionPrepPrompt(couple coupleRecord, activity coupleActivity, stats checkinStats) string {
	lines := []string{
		"Prepare a therapist briefing for an upcoming couples session using the last 4 weeks of app activity.",
		"",
		"Activity counts:",
	}
	lines = append(lines, metricLines(activitySummary(activity))...)
	lines = append(lines,
		"",
		fmt.Sprintf("Check-ins: Partner 1 submitted %d, Partner 2 submitted %d.", stats.Partner1Count, stats.Partner2Count),
		fmt.Sprintf("Average connectedness %.1f, average conflict %.1f.", stats.AvgConnectedness, stats.AvgConflict),
	)

	reflections := collectReflections(couple, activity, 6, "Partner 1", "Partner 2")
	if len(reflections) > 0 {
		lines = append(lines, "", "Recent reflections:")
		lines = append(lines, reflections...)
	}
	if flagged := flaggedHorsemenPatterns(activity.HorsemenByType); len(flagged) > 0 {
		lines = append(lines, "", "Patterns over threshold: "+strings.Join(flagged, ", "))
	}

	lines = append(lines,
		"",
		"Write three short sections: What went well, Areas of concern, Suggested session focus.",
		"Keep it under 250 words. Refer to the partners only as Partner 1 and Partner 2.",
	)
	return strings.Join(lines, "\n")
}

func collectReflections(couple coupleRecord, activity coupleActivity, limit int, label1, label2 string) []string {
	lines := make([]string, 0, limit)
	// Latest first; the aggregation loads check-ins in ascending order.
	for i := len(activity.Checkins) - 1; i >= 0 && len(lines) < limit; i-- {
		row := activity.Checkins[i]
		text := strings.TrimSpace(row.Reflection)
		if text == "" {
			continue
		}
		label := label1
		if partnerSlot(couple, row.UserID) == 2 {
			label = label2
		} else if partnerSlot(couple, row.UserID) == 0 {
			continue
		}
		text = anonymizeForPrompt(truncate(text, 400), couple, label1, label2)
		lines = append(lines, fmt.Sprintf("- %s: %q", label, text))
	}
	return lines
}

// buildRecommendationsPrompt is client-facing: the reader is one partner, so
// labels are "you"/"your partner" and no scores are attributed by name.
func buildRecommendationsPrompt(activity coupleActivity, stats checkinStats) string {
	lines := []string{
		"Suggest 2-3 relationship exercises for a couple based on their last 30 days in the app.",
		"",
		"Their activity:",
	}
	lines = append(lines, metricLines(activitySummary(activity))...)
	lines = append(lines,
		"",
		fmt.Sprintf("Average connectedness %.1f and conflict %.1f on weekly check-ins.", stats.AvgConnectedness, stats.AvgConflict),
		"",
		"Available tools: Weekly Check-in, Gratitude Log, Shared Goals, Guided Conversation,",
		"Connection Ritual, Voice Memo, Meditation, Date Night Planner.",
		"",
		"Respond with strict JSON:",
		`{"recommendations": [{"tool_name": "<tool>", "rationale": "<why, addressed to 'you'>", "suggested_action": "<first small step>"}]}`,
		"Favor tools they have neglected. Output JSON only.",
	)
	return strings.Join(lines, "\n")
}

// Six-step empathy dialogue. The step guides mirror the in-app flow; the
// prompt asks for the next coaching nudge given the user's response to the
// current step.
var empathyStepGuides = [6]string{
	"Share your experience of the situation in your own words.",
	"Mirror back what you heard your partner say, without interpretation.",
	"Name the feeling you imagine your partner had.",
	"Validate why that feeling makes sense from their side.",
	"Share what you need going forward, as a positive request.",
	"Agree on one small repair action for this week.",
}

func buildEmpathyPrompt(topic string, stepNumber int, userResponse string) string {
	guide := ""
	if stepNumber >= 1 && stepNumber <= len(empathyStepGuides) {
		guide = empathyStepGuides[stepNumber-1]
	}
	lines := []string{
		"A couple is working through a guided empathy dialogue in the app.",
		fmt.Sprintf("Conversation topic: %s", topic),
		fmt.Sprintf("Current step %d of 6: %s", stepNumber, guide),
		"",
		"The partner just wrote:",
		fmt.Sprintf("%q", userResponse),
		"",
		"In 2-3 sentences, acknowledge what they expressed and coach them toward completing",
		"this step well. Then give one short prompt question to deepen their answer.",
	}
	return strings.Join(lines, "\n")
}

func buildEchoCoachingPrompt(speakerStatement, listenerReflection string) string {
	lines := []string{
		"In an echo listening exercise, one partner speaks and the other reflects back what they heard.",
		"",
		"Your partner said:",
		fmt.Sprintf("%q", speakerStatement),
		"",
		"You reflected back:",
		fmt.Sprintf("%q", listenerReflection),
		"",
		"Respond with strict JSON:",
		`{"score": <integer 1-10 for how faithfully the reflection captured the statement>,`,
		` "feedback": "<2 sentences of coaching addressed to 'you'>",`,
		` "missed": ["<important element of the statement the reflection missed>", ...]}`,
		"Output JSON only.",
	}
	return strings.Join(lines, "\n")
}

func buildSentimentPrompt(transcript string) string {
	return strings.Join([]string{
		"Transcript of a voice message from one partner to the other:",
		"",
		transcript,
	}, "\n")
}

func buildDateNightPrompt(req dateNightRequest) string {
	lines := []string{
		"Plan a date night for a couple with these constraints:",
		fmt.Sprintf("- Time available: %s", req.Time),
		fmt.Sprintf("- Location preference: %s", req.Location),
		fmt.Sprintf("- Budget: %s", req.Price),
		fmt.Sprintf("- Who is coming: %s", req.Participants),
		fmt.Sprintf("- Energy level: %s", req.Energy),
		"",
		"Give one main plan plus one backup option. Include a conversation starter that fits",
		"the mood. Keep the whole answer under 200 words and address the couple as 'you two'.",
	}
	return strings.Join(lines, "\n")
}
