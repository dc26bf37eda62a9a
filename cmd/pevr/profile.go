package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lyzr/pevr/common/language"
	"github.com/lyzr/pevr/common/planning"
	"github.com/lyzr/pevr/common/verification"
)

const maxProfileFiles = 300

var profileSkipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, ".venv": {}, "venv": {}, "__pycache__": {},
	".pevr_backups": {}, ".tox": {}, "dist": {}, "build": {}, ".next": {},
}

// scanProfile builds a light project profile from the files on disk.
// It is what the planner sees when no analyzed profile is supplied.
func scanProfile(root string) (planning.Profile, error) {
	var p planning.Profile
	counts := map[language.ID]int{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := profileSkipDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}

		id := language.Detect(path)
		if id == language.Unknown {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		counts[id]++
		p.TotalFiles++
		p.TotalLines += countLines(path)
		if len(p.SourceFiles) < maxProfileFiles {
			p.SourceFiles = append(p.SourceFiles, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return planning.Profile{}, fmt.Errorf("failed to scan workspace: %w", err)
	}

	for id := range counts {
		p.Languages = append(p.Languages, string(id))
	}
	sort.Slice(p.Languages, func(i, j int) bool {
		ci, cj := counts[language.ID(p.Languages[i])], counts[language.ID(p.Languages[j])]
		if ci != cj {
			return ci > cj
		}
		return p.Languages[i] < p.Languages[j]
	})

	if fw := verification.DetectFramework(root); fw != verification.FrameworkNone {
		p.Frameworks = append(p.Frameworks, string(fw))
	}
	p.PythonDeps = requirements(filepath.Join(root, "requirements.txt"))
	p.NPMDeps = npmDependencies(filepath.Join(root, "package.json"))

	if len(p.Languages) > 0 {
		p.TechStack = strings.Join(p.Languages, ", ")
	}
	return p, nil
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// requirements returns package names from a pip requirements file
func requirements(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var deps []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.IndexAny(line, "=<>~![; "); i > 0 {
			line = line[:i]
		}
		deps = append(deps, line)
	}
	return deps
}

func npmDependencies(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var manifest struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil
	}

	deps := make([]string, 0, len(manifest.Dependencies)+len(manifest.DevDependencies))
	for name := range manifest.Dependencies {
		deps = append(deps, name)
	}
	for name := range manifest.DevDependencies {
		deps = append(deps, name)
	}
	sort.Strings(deps)
	return deps
}
