package judge

import (
	"fmt"
	"regexp"
	"strings"

	"debatenow/models"
)

// PenaltyPolicy says how a dominance penalty weighs against the oracle.
type PenaltyPolicy string

const (
	// PolicyOverride makes the penalized party lose regardless of the text.
	PolicyOverride PenaltyPolicy = "override"
	// PolicyTiebreak applies the penalty only when the text names no winner.
	PolicyTiebreak PenaltyPolicy = "tiebreak"
)

// ParsePolicy maps a config value to a policy, defaulting to override.
func ParsePolicy(s string) (PenaltyPolicy, error) {
	switch PenaltyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyOverride:
		return PolicyOverride, nil
	case PolicyTiebreak:
		return PolicyTiebreak, nil
	}
	return "", fmt.Errorf("unknown penalty policy %q", s)
}

var winnerMarker = regexp.MustCompile(`winner is|winner:`)

func winsPattern(role, speaker string, party models.Party) *regexp.Regexp {
	alts := []string{speaker, string(party)}
	if r := strings.ToLower(strings.TrimSpace(role)); r != "" {
		alts = append([]string{regexp.QuoteMeta(r)}, alts...)
	}
	return regexp.MustCompile(`(` + strings.Join(alts, "|") + `)\s+wins`)
}

// ParseWinner reads the winning party out of an evaluation. It returns ""
// when the text is ambiguous or silent.
func ParseWinner(evaluation, initiatorRole, receiverRole string) models.Party {
	text := strings.ToLower(evaluation)
	initRe := winsPattern(initiatorRole, "first speaker", models.PartyInitiator)
	recvRe := winsPattern(receiverRole, "second speaker", models.PartyReceiver)

	if p := exactlyOne(text, initRe, recvRe); p != "" {
		return p
	}
	if i := strings.LastIndex(text, "final decision"); i >= 0 {
		if p := exactlyOne(text[i:], initRe, recvRe); p != "" {
			return p
		}
	}

	loc := winnerMarker.FindAllStringIndex(text, -1)
	if len(loc) == 0 {
		return ""
	}
	section := text[loc[len(loc)-1][1]:]
	if r := strings.ToLower(strings.TrimSpace(initiatorRole)); r != "" && strings.Contains(section, r) {
		return models.PartyInitiator
	}
	if r := strings.ToLower(strings.TrimSpace(receiverRole)); r != "" && strings.Contains(section, r) {
		return models.PartyReceiver
	}
	return ""
}

func exactlyOne(text string, initRe, recvRe *regexp.Regexp) models.Party {
	initWins, recvWins := initRe.MatchString(text), recvRe.MatchString(text)
	switch {
	case initWins && !recvWins:
		return models.PartyInitiator
	case recvWins && !initWins:
		return models.PartyReceiver
	}
	return ""
}

func penaltyExplanation(p *models.DominancePenalty) string {
	return fmt.Sprintf("\n\n**DEBATE PENALTY APPLIED**\n\nThe %s dominated the open discussion by controlling %d%% of the speaking time.\nAccording to debate rules, excessively dominating the conversation results in an automatic loss.\nTherefore, the %s wins this debate, regardless of content quality.",
		speakerName(p.AppliedTo), percent(p.Percentage), speakerName(p.AppliedTo.Opposite()))
}

// DecideWinner picks the winner of m from the oracle's evaluation and the
// dominance penalty, and returns the evaluation text to store.
func DecideWinner(evaluation string, m *models.Match, policy PenaltyPolicy) (models.Party, string) {
	parsed := ParseWinner(evaluation, m.InitiatorRole, m.ReceiverRole)
	p := m.DominancePenalty
	if p == nil || (policy == PolicyTiebreak && parsed != "") {
		return parsed, evaluation
	}
	if !strings.Contains(strings.ToLower(evaluation), "dominat") {
		evaluation += penaltyExplanation(p)
	}
	return p.AppliedTo.Opposite(), evaluation
}
