package learning

import (
	"regexp"

	"relay/internal/logging"
)

// failureClass pairs a canonical failure name with its detection pattern.
// Classes are evaluated in declaration order; the first match names the
// failure.
type failureClass struct {
	name string
	re   *regexp.Regexp
}

var failureClasses = []failureClass{
	{"selector-not-found", regexp.MustCompile(`(?i)selector[^\n]{0,40}not found|no such selector|failed to find selector|waiting for selector`)},
	{"element-not-found", regexp.MustCompile(`(?i)element[^\n]{0,40}not found|no such element|could not find element|element is not attached`)},
	{"wait-timeout", regexp.MustCompile(`(?i)wait[^\n]{0,40}timed? ?out|timeout[^\n]{0,40}exceeded|deadline exceeded|navigation timeout`)},
	{"module-not-found", regexp.MustCompile(`(?i)module[^\n]{0,40}not found|cannot find module|ModuleNotFoundError`)},
	{"import-error", regexp.MustCompile(`(?i)import ?error|cannot import|failed to import`)},
	{"type-error", regexp.MustCompile(`(?i)type ?error|is not a function|undefined is not`)},
}

// Analysis is the analyzer's verdict on one task outcome.
type Analysis struct {
	RetryEligible      bool
	FailureClass       string
	RememberedSolution *Lesson
	NeedsHuman         bool
}

// Analyzer inspects failed task outcomes and decides whether a remembered
// solution makes a retry worthwhile. Its only side effects are lesson
// queries.
type Analyzer struct {
	store *Store
}

// NewAnalyzer builds an analyzer over the learning store.
func NewAnalyzer(store *Store) *Analyzer {
	return &Analyzer{store: store}
}

// Analyze classifies a failure and looks up a remembered solution. Successes
// and unrecognized failure shapes are never retry-eligible.
func (a *Analyzer) Analyze(success bool, errorMessage string) Analysis {
	if success || errorMessage == "" {
		return Analysis{}
	}

	class := classify(errorMessage)
	if class == "" {
		logging.AnalyzerDebug("Unrecognized failure shape, no retry: %.120s", errorMessage)
		return Analysis{}
	}

	lessons, err := a.store.FindLessonsForError(errorMessage, 1)
	if err != nil {
		logging.AnalyzerDebug("Lesson lookup failed for class %s: %v", class, err)
		return Analysis{FailureClass: class, NeedsHuman: true}
	}

	for i := range lessons {
		if lessons[i].Solution != "" {
			logging.Analyzer("Failure class %s has remembered solution (lesson %d), recommending retry",
				class, lessons[i].ID)
			return Analysis{
				RetryEligible:      true,
				FailureClass:       class,
				RememberedSolution: &lessons[i],
			}
		}
	}

	logging.Analyzer("Failure class %s has no remembered solution, needs human attention", class)
	return Analysis{FailureClass: class, NeedsHuman: true}
}

// classify returns the first matching failure class name, or "".
func classify(errorMessage string) string {
	for _, fc := range failureClasses {
		if fc.re.MatchString(errorMessage) {
			return fc.name
		}
	}
	return ""
}
