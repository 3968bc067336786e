package intent

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"shipline/internal/domain"
)

var errUnusableReply = errors.New("unusable completion reply")

var (
	replyIntentRe     = regexp.MustCompile(`(?i)intent\s*[=:]\s*"?([a-z_-]+)"?`)
	replyTargetRe     = regexp.MustCompile(`(?i)target\s*[=:]\s*"?([^,"\n]*)"?`)
	replyConfidenceRe = regexp.MustCompile(`(?i)confidence\s*[=:]\s*([0-9]*\.?[0-9]+)`)
)

const systemPrompt = "You translate software lifecycle commands into structured intents. Answer with one line only."

func buildPrompt(rs *Ruleset, raw string, contextMap map[string]string) string {
	var sb strings.Builder
	sb.WriteString("Supported intents:\n")
	for _, def := range rs.Definitions() {
		targets := "any"
		if len(def.ValidTargets) > 0 {
			targets = strings.Join(def.ValidTargets, ", ")
		}
		fmt.Fprintf(&sb, "- %s (targets: %s)", def.Name, targets)
		if def.Description != "" {
			fmt.Fprintf(&sb, ": %s", def.Description)
		}
		sb.WriteString("\n")
	}
	if len(contextMap) > 0 {
		keys := make([]string, 0, len(contextMap))
		for k := range contextMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, contextMap[k])
		}
	}
	fmt.Fprintf(&sb, "\nCommand: %q\n", raw)
	sb.WriteString("\nReply exactly as: intent=<intent>, target=<target or none>, confidence=<0.0-1.0>\n")
	return sb.String()
}

// parseReply reads an "intent=<x>, target=<y>, confidence=<z>" reply. Intents missing
// from rs are rejected.
func parseReply(rs *Ruleset, reply string) (domain.Intent, error) {
	m := replyIntentRe.FindStringSubmatch(reply)
	if m == nil {
		return domain.Intent{}, fmt.Errorf("%w: no intent in %q", errUnusableReply, reply)
	}
	def, ok := rs.Lookup(m[1])
	if !ok {
		return domain.Intent{}, fmt.Errorf("%w: unknown intent %q", errUnusableReply, m[1])
	}
	out := domain.Intent{Name: def.Name, Confidence: 0.5}
	if tm := replyTargetRe.FindStringSubmatch(reply); tm != nil {
		target := strings.ToLower(strings.TrimSpace(tm[1]))
		switch target {
		case "", "none", "null", "nil", "n/a":
		default:
			if def.AcceptsTarget(target) {
				out.Target = canonicalTarget(def, target)
			} else {
				out.Clarifications = append(out.Clarifications,
					fmt.Sprintf("Target '%s' is not valid for '%s'. Did you mean one of: %s?", target, def.Name, strings.Join(def.ValidTargets, ", ")))
			}
		}
	}
	if cm := replyConfidenceRe.FindStringSubmatch(reply); cm != nil {
		if v, err := strconv.ParseFloat(cm[1], 64); err == nil {
			out.Confidence = clamp01(v)
		}
	}
	out.Explanation = fmt.Sprintf("language model classified command as %q", out.String())
	return out, nil
}
