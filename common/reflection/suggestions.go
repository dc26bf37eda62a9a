package reflection

import "strings"

// DefaultMaxSuggestions caps Suggestions when the caller passes zero
const DefaultMaxSuggestions = 6

var categoryKeywords = []struct {
	category string
	prefix   string
	keywords []string
}{
	{CategorySecurity, "[Security] ", []string{"auth", "login", "password", "token", "user"}},
	{CategoryQuality, "[Quality] ", []string{"test", "fix", "refactor"}},
	{CategoryPerformance, "[Performance] ", []string{"query", "list", "all", "load"}},
	{CategoryArchitecture, "[Architecture] ", []string{"add", "create", "new", "feature"}},
}

// Suggestions derives advice for an upcoming plan from a project's past lessons.
// summary and risks come from the plan being considered.
func Suggestions(l *Lessons, summary string, risks []string, max int) []string {
	if max <= 0 {
		max = DefaultMaxSuggestions
	}
	if l == nil {
		l = emptyLessons()
	}
	out := []string{}

	if l.Failures > l.Successes && l.Successes+l.Failures >= 3 {
		out = append(out, "High recent failure rate: break this task into smaller, independently testable steps.")
	}

	intent := strings.ToLower(summary)
	for i := len(l.Lessons) - 1; i >= 0; i-- {
		e := l.Lessons[i]
		for _, ck := range categoryKeywords {
			if e.Category != ck.category {
				continue
			}
			if containsAny(intent, ck.keywords) {
				out = append(out, ck.prefix+e.Lesson)
			}
			break
		}
		if len(out) >= max {
			break
		}
	}

	for _, r := range risks {
		if strings.Contains(strings.ToLower(r), "breaking") {
			out = append([]string{"Breaking change detected: ensure backwards-compatible migration path."}, out...)
			break
		}
	}

	patterns := l.Patterns
	if len(patterns) > 5 {
		patterns = patterns[len(patterns)-5:]
	}
	for _, p := range patterns {
		if len(out) < max {
			out = append(out, "Recurring pattern: "+p)
		}
	}

	if len(out) > max {
		out = out[:max]
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
