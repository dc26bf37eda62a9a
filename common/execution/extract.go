package execution

import (
	"strings"

	"github.com/lyzr/pevr/common/generation"
	"github.com/lyzr/pevr/common/language"
)

var codeOpeners = []string{"#", "//", "/*", "import", "from", "def ", "class "}

// extractCode pulls source out of a raw model response. A fence tagged with the
// target language wins, then the longest fence. Without fences the response is
// taken as code, minus a leading prose line.
func extractCode(raw string, lang language.ID) string {
	blocks := generation.FencedBlocks(raw)
	if len(blocks) > 0 {
		best := ""
		tagged := false
		for _, b := range blocks {
			isTagged := matchesLanguage(b.Lang, lang)
			switch {
			case isTagged && !tagged:
				best, tagged = b.Content, true
			case isTagged == tagged && len(b.Content) > len(best):
				best = b.Content
			}
		}
		return strings.TrimSpace(best)
	}

	trimmed := strings.TrimSpace(raw)
	lines := strings.Split(trimmed, "\n")
	if len(lines) > 0 && !hasCodeOpener(lines[0]) {
		return strings.TrimSpace(strings.Join(lines[1:], "\n"))
	}
	return trimmed
}

// matchesLanguage accepts the language id and the usual short fence tags
func matchesLanguage(tag string, lang language.ID) bool {
	if tag == "" || lang == language.Unknown {
		return false
	}
	if tag == string(lang) {
		return true
	}
	return language.ForPath("x."+tag).ID == lang
}

func hasCodeOpener(line string) bool {
	for _, p := range codeOpeners {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}
