package verification

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// skipDirs are never walked when looking for test files
var skipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, ".venv": {}, "venv": {}, "__pycache__": {},
	".pevr_backups": {}, ".tox": {}, "dist": {}, "build": {},
}

// DetectFramework probes the workspace for a Python test setup first, then a
// package.json test script. FrameworkNone means no tests exist.
func DetectFramework(root string) Framework {
	if hasPytest(root) {
		return FrameworkPytest
	}
	if hasNPMTest(root) {
		return FrameworkNPM
	}
	return FrameworkNone
}

func hasPytest(root string) bool {
	for _, f := range []string{"pytest.ini", "conftest.py"} {
		if fileExists(filepath.Join(root, f)) {
			return true
		}
	}
	if fileContains(filepath.Join(root, "pyproject.toml"), "[tool.pytest") {
		return true
	}
	if fileContains(filepath.Join(root, "setup.cfg"), "[tool:pytest]") {
		return true
	}
	if fileContains(filepath.Join(root, "tox.ini"), "[pytest]") {
		return true
	}
	return hasPythonTests(root)
}

// hasPythonTests reports whether any test_*.py or *_test.py exists under root
func hasPythonTests(root string) bool {
	found := false
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".py") && (strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test.py")) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

type packageManifest struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func readManifest(root string) (*packageManifest, bool) {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return nil, false
	}
	var m packageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}

func hasNPMTest(root string) bool {
	m, ok := readManifest(root)
	if !ok {
		return false
	}
	_, has := m.Scripts["test"]
	return has
}

func usesVitest(root string) bool {
	m, ok := readManifest(root)
	if !ok {
		return false
	}
	_, dep := m.Dependencies["vitest"]
	_, dev := m.DevDependencies["vitest"]
	return dep || dev
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func fileContains(path, needle string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), needle)
}
