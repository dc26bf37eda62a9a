package planning

import (
	"fmt"
	"strings"
)

// SecurityFinding is one issue reported by project profiling
type SecurityFinding struct {
	FilePath    string `json:"file_path"`
	LineNumber  int    `json:"line_number"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Profile is the project summary produced by profiling. Only its shape matters here.
type Profile struct {
	TechStack        string            `json:"tech_stack_summary"`
	TotalFiles       int               `json:"total_files"`
	TotalLines       int               `json:"total_lines"`
	Languages        []string          `json:"languages"`
	Frameworks       []string          `json:"frameworks"`
	Patterns         []string          `json:"patterns"`
	SourceFiles      []string          `json:"source_files"`
	Models           []string          `json:"models"`
	Routes           []string          `json:"routes"`
	PythonDeps       []string          `json:"python_dependencies"`
	NPMDeps          []string          `json:"npm_dependencies"`
	SecurityFindings []SecurityFinding `json:"security_findings"`
}

// ChatMessage is one turn of session history
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session carries recent activity in the same session
type Session struct {
	LastAction  string        `json:"last_action"`
	RecentFiles []string      `json:"recent_files"`
	ChatHistory []ChatMessage `json:"chat_history"`
}

// Request is the input of plan generation
type Request struct {
	Intent  string   `json:"intent"`
	Profile Profile  `json:"profile"`
	Session *Session `json:"session,omitempty"`
	Lessons []string `json:"lessons,omitempty"`
}

const (
	maxSourceFiles   = 30
	maxModelsRoutes  = 10
	maxDeps          = 20
	maxHighFindings  = 5
	maxRecentFiles   = 6
	maxChatMessages  = 4
	maxChatChars     = 200
	maxPromptLessons = 5
)

// buildPrompt renders the planning context with every section bounded
func buildPrompt(req Request) string {
	pr := req.Profile
	techStack := pr.TechStack
	if techStack == "" {
		techStack = "Unknown"
	}

	parts := []string{
		"# USER REQUEST",
		strings.TrimSpace(req.Intent),
		"",
		"# PROJECT OVERVIEW",
		fmt.Sprintf("Tech Stack : %s", techStack),
		fmt.Sprintf("Files      : %d (%d lines)", pr.TotalFiles, pr.TotalLines),
		fmt.Sprintf("Languages  : %s", strings.Join(pr.Languages, ", ")),
	}

	if len(pr.Frameworks) > 0 {
		parts = append(parts, "", "Frameworks : "+strings.Join(pr.Frameworks, ", "))
	}
	if len(pr.Patterns) > 0 {
		parts = append(parts, "", "Patterns   : "+strings.Join(pr.Patterns, ", "))
	}

	parts = appendList(parts, "Source files:", head(pr.SourceFiles, maxSourceFiles))
	parts = appendList(parts, "Models:", head(pr.Models, maxModelsRoutes))
	parts = appendList(parts, "Routes/API:", head(pr.Routes, maxModelsRoutes))

	if py := head(pr.PythonDeps, maxDeps); len(py) > 0 {
		parts = append(parts, "", "Python deps : "+strings.Join(py, ", "))
	}
	if npm := head(pr.NPMDeps, maxDeps); len(npm) > 0 {
		parts = append(parts, "", "NPM deps    : "+strings.Join(npm, ", "))
	}

	var highs []string
	for _, f := range pr.SecurityFindings {
		if f.Severity == "high" && len(highs) < maxHighFindings {
			highs = append(highs, fmt.Sprintf("[%s:%d] %s", f.FilePath, f.LineNumber, f.Description))
		}
	}
	parts = appendList(parts, "Existing HIGH security findings:", highs)

	if s := req.Session; s != nil {
		parts = append(parts, "", "# SESSION CONTEXT")
		if s.LastAction != "" {
			parts = append(parts, "Last action     : "+s.LastAction)
		}
		if len(s.RecentFiles) > 0 {
			parts = append(parts, "Recently edited : "+strings.Join(head(s.RecentFiles, maxRecentFiles), ", "))
		}
		if len(s.ChatHistory) > 0 {
			parts = append(parts, "Recent messages :")
			for _, m := range tail(s.ChatHistory, maxChatMessages) {
				role := m.Role
				if role == "" {
					role = "user"
				}
				content := m.Content
				if len(content) > maxChatChars {
					content = content[:maxChatChars]
				}
				parts = append(parts, fmt.Sprintf("  [%s] %s", role, content))
			}
		}
	}

	if lessons := tail(req.Lessons, maxPromptLessons); len(lessons) > 0 {
		parts = append(parts, "", "# LESSONS FROM PAST ACTIONS")
		for _, l := range lessons {
			parts = append(parts, "  - "+l)
		}
	}

	parts = append(parts,
		"",
		"# TASK",
		"Create a detailed, step-by-step plan to fulfil the user request.",
		"Use exact paths relative to the project root.",
		"Output ONLY the JSON plan, no markdown and no extra text.",
	)

	return strings.Join(parts, "\n")
}

func appendList(parts []string, label string, items []string) []string {
	if len(items) == 0 {
		return parts
	}
	parts = append(parts, "", label)
	for _, it := range items {
		parts = append(parts, "  "+it)
	}
	return parts
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

const systemPrompt = `You are a principal-level software engineer and architect.

Your task: convert user requests into detailed, executable plans.

STRICT RULES:
1. Respond with ONLY valid JSON, no markdown fences and no prose.
2. Use exact file paths relative to the project root (e.g. "backend/app/api/auth.py").
3. Break tasks into atomic, ordered steps.
4. Consider the existing project structure and patterns.
5. List every dependency that must be installed.
6. Propose comprehensive, meaningful tests.
7. Flag security implications explicitly.
8. "action" must be one of: create | modify | delete.
9. "risk_level" must be one of: low | medium | high.
10. "dependencies" lists the step_number values a step must wait for.

JSON schema (output ONLY this structure):
{
  "summary": "One-line description",
  "understanding": "Analysis of the request and your approach",
  "steps": [
    {
      "step_number": 1,
      "title": "Short step title",
      "description": "Detailed explanation",
      "action": "create|modify|delete",
      "file_path": "relative/path/to/file.ext",
      "code_intent": "What code/changes this step needs",
      "reason": "Why this step is necessary",
      "dependencies": [],
      "risk_level": "low|medium|high"
    }
  ],
  "files_to_create": [],
  "files_to_modify": [],
  "files_to_delete": [],
  "new_dependencies": {"python": [], "npm": []},
  "imports_needed": {"path/to/file.py": ["from x import Y"]},
  "tests_to_create": ["Test description"],
  "security_considerations": ["Hash passwords with bcrypt"],
  "risks": ["Breaking change: requires user re-login"],
  "estimated_complexity": "low|medium|high",
  "assumptions": ["User model exists"],
  "success_criteria": ["Users can log in and receive JWT"]
}`
