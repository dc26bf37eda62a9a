package reflection

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLessons     = 100
	DefaultMaxPatterns    = 30
	DefaultLessonsForPlan = 10
)

// Entry is one stored lesson
type Entry struct {
	Lesson    string    `json:"lesson"`
	Category  string    `json:"category"`
	ProjectID string    `json:"project_id"`
	ActionID  string    `json:"action_id"`
	Timestamp time.Time `json:"timestamp"`
	HashKey   string    `json:"hash_key"`
}

// Lessons is everything stored for one project
type Lessons struct {
	Lessons   []Entry  `json:"lessons"`
	Patterns  []string `json:"patterns"`
	Successes int      `json:"successes"`
	Failures  int      `json:"failures"`
}

// Recent returns the text of the last n lessons, oldest first
func (l *Lessons) Recent(n int) []string {
	entries := l.Lessons
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Lesson)
	}
	return out
}

// Store persists lessons per project
type Store interface {
	Load(ctx context.Context, projectID string) (*Lessons, error)
	Record(ctx context.Context, projectID, actionID string, r *Reflection) (int, error)
}

// Limits caps what a store keeps per project
type Limits struct {
	MaxLessons  int
	MaxPatterns int
}

func (l Limits) withDefaults() Limits {
	if l.MaxLessons <= 0 {
		l.MaxLessons = DefaultMaxLessons
	}
	if l.MaxPatterns <= 0 {
		l.MaxPatterns = DefaultMaxPatterns
	}
	return l
}

// LessonKey is the dedup key: the first 12 hex chars of md5 over the trimmed, lower-cased text
func LessonKey(lesson string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(lesson))))
	return hex.EncodeToString(sum[:])[:12]
}

// merge folds a reflection into the project's lessons and returns how many lessons were new
func merge(l *Lessons, projectID, actionID string, r *Reflection, limits Limits, now time.Time) int {
	seen := make(map[string]struct{}, len(l.Lessons))
	for _, e := range l.Lessons {
		seen[e.HashKey] = struct{}{}
	}

	category := r.Category()
	added := 0
	for _, text := range r.LessonsLearned {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		key := LessonKey(text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		l.Lessons = append(l.Lessons, Entry{
			Lesson:    text,
			Category:  category,
			ProjectID: projectID,
			ActionID:  actionID,
			Timestamp: now.UTC(),
			HashKey:   key,
		})
		added++
	}

	for _, p := range r.PatternsDetected {
		if !slices.Contains(l.Patterns, p) {
			l.Patterns = append(l.Patterns, p)
		}
	}
	if len(l.Patterns) > limits.MaxPatterns {
		l.Patterns = l.Patterns[len(l.Patterns)-limits.MaxPatterns:]
	}

	if r.Succeeded() {
		l.Successes++
	} else {
		l.Failures++
	}

	if len(l.Lessons) > limits.MaxLessons {
		l.Lessons = l.Lessons[len(l.Lessons)-limits.MaxLessons:]
	}
	return added
}

func emptyLessons() *Lessons {
	return &Lessons{Lessons: []Entry{}, Patterns: []string{}}
}

// MemoryStore keeps lessons in process memory
type MemoryStore struct {
	mu       sync.Mutex
	limits   Limits
	projects map[string]*Lessons
	now      func() time.Time
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits:   limits.withDefaults(),
		projects: make(map[string]*Lessons),
		now:      time.Now,
	}
}

// Load returns a copy of a project's lessons
func (m *MemoryStore) Load(_ context.Context, projectID string) (*Lessons, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.projects[projectID]
	if !ok {
		return emptyLessons(), nil
	}
	cp := *l
	cp.Lessons = slices.Clone(l.Lessons)
	cp.Patterns = slices.Clone(l.Patterns)
	return &cp, nil
}

// Record merges a reflection into the project's lessons
func (m *MemoryStore) Record(_ context.Context, projectID, actionID string, r *Reflection) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.projects[projectID]
	if !ok {
		l = emptyLessons()
		m.projects[projectID] = l
	}
	return merge(l, projectID, actionID, r, m.limits, m.now()), nil
}
