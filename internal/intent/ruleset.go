package intent

import (
	"fmt"
	"regexp"
	"strings"

	"shipline/internal/domain"
)

type templateKind string

const (
	kindDirect   templateKind = "direct"
	kindReversed templateKind = "reversed"
	kindSynonym  templateKind = "synonym"
	kindKeyword  templateKind = "keyword"
)

const (
	confidenceDirect   = 0.9
	confidenceReversed = 0.85
	confidenceSynonym  = 0.8
	confidenceKeyword  = 0.6
	typoPenalty        = 0.05
)

type template struct {
	intent     string
	kind       templateKind
	pattern    *regexp.Regexp
	confidence float64
}

// Ruleset is the compiled, read-only form of a set of intent definitions.
// Rebuild a new Ruleset instead of modifying one.
type Ruleset struct {
	order      []domain.IntentDefinition
	defs       map[string]domain.IntentDefinition
	templates  []template
	verbs      map[string]struct{}
	vocabulary []string
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	wordRe       = regexp.MustCompile(`^[a-z]+$`)
)

var fillerPrefixes = []string{"sdlc ", "please ", "can you ", "could you "}

// NewRuleset compiles templates for defs in registration order.
func NewRuleset(defs []domain.IntentDefinition) (*Ruleset, error) {
	rs := &Ruleset{
		defs:  make(map[string]domain.IntentDefinition, len(defs)),
		verbs: map[string]struct{}{},
	}
	seenVocab := map[string]struct{}{}
	addVocab := func(w string) {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			return
		}
		if _, ok := seenVocab[w]; ok {
			return
		}
		seenVocab[w] = struct{}{}
		rs.vocabulary = append(rs.vocabulary, w)
	}
	for _, def := range Merge(nil, defs) {
		if !wordRe.MatchString(def.Name) {
			return nil, fmt.Errorf("intent name %q must be a single lowercase word", def.Name)
		}
		rs.order = append(rs.order, def)
		rs.defs[def.Name] = def
		rs.verbs[def.Name] = struct{}{}
		addVocab(def.Name)
		for _, syn := range def.Synonyms {
			rs.verbs[strings.ToLower(syn)] = struct{}{}
			addVocab(syn)
		}
	}
	for _, def := range rs.order {
		for _, t := range def.ValidTargets {
			addVocab(t)
		}
	}

	build := func(kind templateKind, confidence float64, name, expr string) error {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("compile %s template for %s: %w", kind, name, err)
		}
		rs.templates = append(rs.templates, template{intent: name, kind: kind, pattern: re, confidence: confidence})
		return nil
	}
	for _, def := range rs.order {
		n := regexp.QuoteMeta(def.Name)
		if err := build(kindDirect, confidenceDirect, def.Name, `^`+n+`(?:\s+(\S+))?(?:\s+(.+))?$`); err != nil {
			return nil, err
		}
	}
	for _, def := range rs.order {
		n := regexp.QuoteMeta(def.Name)
		if err := build(kindReversed, confidenceReversed, def.Name, `^(\S+)\s+`+n+`$`); err != nil {
			return nil, err
		}
	}
	for _, def := range rs.order {
		for _, syn := range def.Synonyms {
			s := regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(syn)))
			if s == "" {
				continue
			}
			if err := build(kindSynonym, confidenceSynonym, def.Name, `^`+s+`(?:\s+(?:the|my|our|me))?(?:\s+(\S+))?(?:\s+(.+))?$`); err != nil {
				return nil, err
			}
		}
	}
	for _, def := range rs.order {
		n := regexp.QuoteMeta(def.Name)
		if err := build(kindKeyword, confidenceKeyword, def.Name, `\b`+n+`\b(?:\s+(\S+))?(?:\s+(.+))?`); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

func (r *Ruleset) Definitions() []domain.IntentDefinition {
	out := make([]domain.IntentDefinition, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Ruleset) Lookup(name string) (domain.IntentDefinition, bool) {
	def, ok := r.defs[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

// Match runs the templates against command. The returned intent has no method tag.
func (r *Ruleset) Match(command string) (domain.Intent, bool) {
	text := normalize(command)
	if text == "" {
		return domain.Intent{}, false
	}
	exact, exactOK := r.matchText(text)
	if exactOK && exact.Confidence > domain.ClarificationThreshold {
		return exact, true
	}
	corrected, fixes := r.correct(text)
	if len(fixes) == 0 {
		return exact, exactOK
	}
	fixed, ok := r.matchText(corrected)
	if !ok {
		return exact, exactOK
	}
	fixed.Confidence = clamp01(fixed.Confidence - typoPenalty*float64(len(fixes)))
	for _, f := range fixes {
		fixed.Modifiers = append(fixed.Modifiers, domain.Modifier{Key: "corrected", Value: f})
	}
	fixed.Explanation += fmt.Sprintf("; corrected %s", strings.Join(fixes, ", "))
	if exactOK && exact.Confidence >= fixed.Confidence {
		return exact, true
	}
	return fixed, true
}

func (r *Ruleset) matchText(text string) (domain.Intent, bool) {
	for _, t := range r.templates {
		m := t.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		def := r.defs[t.intent]
		target, tail := group(m, 1), group(m, 2)
		switch t.kind {
		case kindReversed:
			if _, isVerb := r.verbs[target]; isVerb {
				continue
			}
		case kindSynonym:
			if target == def.Name {
				target = ""
			}
		}
		if !def.AcceptsTarget(target) {
			if t.kind != kindKeyword {
				continue
			}
			target, tail = "", ""
		}
		return domain.Intent{
			Name:        def.Name,
			Target:      canonicalTarget(def, target),
			Modifiers:   parseModifiers(tail),
			Confidence:  t.confidence,
			Explanation: fmt.Sprintf("matched %s template for %q", t.kind, def.Name),
		}, true
	}
	return domain.Intent{}, false
}

// correct replaces misspelled command words with their closest vocabulary entry.
// Only the first two words and the last word are candidates.
func (r *Ruleset) correct(text string) (string, []string) {
	words := strings.Split(text, " ")
	var fixes []string
	for i, w := range words {
		if i > 1 && i != len(words)-1 {
			continue
		}
		if !wordRe.MatchString(w) || r.known(w) {
			continue
		}
		if repl, ok := closestWord(w, r.vocabulary); ok {
			fixes = append(fixes, w+"->"+repl)
			words[i] = repl
		}
	}
	return strings.Join(words, " "), fixes
}

func (r *Ruleset) known(w string) bool {
	for _, v := range r.vocabulary {
		if v == w {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimRight(s, ".!?")
	for changed := true; changed; {
		changed = false
		for _, p := range fillerPrefixes {
			if strings.HasPrefix(s, p) {
				s = strings.TrimSpace(strings.TrimPrefix(s, p))
				changed = true
			}
		}
	}
	return strings.TrimSpace(s)
}

// parseModifiers turns key=value words into modifiers and keeps the rest as "detail".
func parseModifiers(tail string) []domain.Modifier {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return nil
	}
	var mods []domain.Modifier
	var rest []string
	for _, w := range strings.Fields(tail) {
		if k, v, ok := strings.Cut(w, "="); ok && k != "" && v != "" {
			mods = append(mods, domain.Modifier{Key: strings.TrimLeft(k, "-"), Value: v})
			continue
		}
		rest = append(rest, w)
	}
	if len(rest) > 0 {
		mods = append(mods, domain.Modifier{Key: "detail", Value: strings.Join(rest, " ")})
	}
	return mods
}

func canonicalTarget(def domain.IntentDefinition, target string) string {
	for _, t := range def.ValidTargets {
		if strings.EqualFold(t, target) {
			return t
		}
	}
	return target
}

func group(m []string, i int) string {
	if i < len(m) {
		return strings.TrimSpace(m[i])
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
