package reflection

// Heuristic builds a reflection purely from the pass/fail flags of the cycle
func Heuristic(c Cycle) *Reflection {
	r := &Reflection{
		Summary:              "Heuristic reflection (generation unavailable)",
		SuccessFactors:       []string{},
		FailureFactors:       []string{},
		LessonsLearned:       []string{},
		Suggestions:          []string{},
		PatternsDetected:     []string{},
		RiskAssessment:       "N/A",
		ComplexityAssessment: "N/A",
		CategoryTags:         []string{CategoryQuality},
		Severity:             SeverityInfo,
		Heuristic:            true,
	}

	if c.ExecutionSuccess {
		r.SuccessFactors = append(r.SuccessFactors, "Code generation completed without exceptions")
	} else {
		r.FailureFactors = append(r.FailureFactors, "Code generation encountered errors")
		r.LessonsLearned = append(r.LessonsLearned, "Review error handling in generated code templates")
		r.Severity = SeverityWarning
	}

	switch {
	case !c.VerificationRan:
	case c.VerificationPassed:
		r.SuccessFactors = append(r.SuccessFactors, "All tests passed")
	default:
		r.FailureFactors = append(r.FailureFactors, "Verification failed")
		if !c.SyntaxValid {
			r.LessonsLearned = append(r.LessonsLearned, "Syntax errors detected: add syntax pre-check before applying diffs")
			r.Severity = SeverityCritical
		}
		if c.TestsFailed > 0 {
			r.LessonsLearned = append(r.LessonsLearned, "Test failures: improve test scaffolding in plan")
			r.Severity = SeverityWarning
		}
	}

	if c.VerificationRan && !c.LintValid {
		r.LessonsLearned = append(r.LessonsLearned, "Lint errors present: adopt ruff auto-fix in workflow")
	}

	return r
}
