// Package tagging derives searchable keyword tags from a generated image
// description. A fixed set of phrase patterns catches useful multi-word
// tags ("blue shirt", "curly hair") and a stop-word-filtered word pass
// picks up everything else. No NLP, deliberately: the descriptions come
// from one prompt against one model family, so a static heuristic holds up.
package tagging

import (
	"regexp"
	"sort"
	"strings"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "that": {}, "the": {}, "to": {},
	"was": {}, "were": {}, "will": {}, "with": {}, "this": {}, "but": {},
	"they": {}, "have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "why": {}, "could": {}, "would": {}, "should": {},
	"there": {}, "shows": {}, "appears": {}, "suggests": {}, "looks": {},
	"seems": {}, "may": {}, "might": {}, "image": {}, "picture": {},
	"photo": {}, "photograph": {}, "visible": {}, "seen": {}, "into": {},
	"being": {},
}

// Phrase patterns, matched against the lowercased description.
var phrasePatterns = []*regexp.Regexp{
	// People and groups.
	regexp.MustCompile(`(?:young |old )?(?:man|woman|person|people|child|kid|teen|baby|girl|boy|group)`),
	// Physical features.
	regexp.MustCompile(`(?:light brown|dark brown|blonde|brown|black|gray|grey|ginger|auburn) hair`),
	regexp.MustCompile(`(?:light|dark) (?:hair|skin)`),
	regexp.MustCompile(`(?:short|long|curly|straight) hair`),
	regexp.MustCompile(`facial hair|beard|stubble|mustache`),
	// Clothing, color + item combinations.
	regexp.MustCompile(`(?:dark|light|blue|black|white|navy|brown|grey|gray|pink|red|green|orange|yellow|purple) (?:suit|shirt|dress|jacket|blazer|tie|pants|shorts|skirt|hat|cap|coat|hoodie)`),
	regexp.MustCompile(`(?:white|blue|pink|red|green) (?:collar|collared) (?:shirt|dress)`),
	// Photo style.
	regexp.MustCompile(`close-up|portrait|headshot|landscape|selfie|candid|group photo|family photo`),
	// Setting and location.
	regexp.MustCompile(`(?:in|at) (?:the )?(?:office|home|beach|park|city|building|car|room|outdoor|indoor|restaurant|forest|kitchen|living room|bedroom|couch)`),
	regexp.MustCompile(`(?:city|beach|mountain|office|home|room|building|kitchen|living room|bedroom|yard|garden) (?:background|setting|scene)`),
	// Actions.
	regexp.MustCompile(`(?:sitting|standing|walking|smiling|looking|working|holding|running|eating|drinking|reading|writing|playing|talking|watching|leaning)`),
	// Objects.
	regexp.MustCompile(`(?:desk|table|chair|sofa|couch|window|door|wall|computer|phone|glass|book|bottle|remote|television|lamp|cup|plate|bowl|bag|camera)`),
	// Expressions and mood.
	regexp.MustCompile(`(?:happy|serious|smiling|laughing|focused|professional|excited|angry|sad|relaxed|casual|formal|business|vacation)`),
}

var wordPattern = regexp.MustCompile(`\b\w+\b`)

// Extract returns the sorted, de-duplicated tag set for a description.
func Extract(description string) []string {
	lower := strings.ToLower(description)
	seen := make(map[string]struct{})

	for _, p := range phrasePatterns {
		for _, match := range p.FindAllString(lower, -1) {
			tag := strings.TrimSpace(match)
			if tag == "" {
				continue
			}
			if _, stop := stopWords[tag]; stop {
				continue
			}
			seen[tag] = struct{}{}
		}
	}

	for _, word := range wordPattern.FindAllString(lower, -1) {
		if len(word) <= 2 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		seen[word] = struct{}{}
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
