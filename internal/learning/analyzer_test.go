package learning

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeSuccessNeverRetries(t *testing.T) {
	a := NewAnalyzer(testStore(t))
	got := a.Analyze(true, "")
	assert.False(t, got.RetryEligible)
	assert.False(t, got.NeedsHuman)
}

func TestAnalyzeUnknownFailureShape(t *testing.T) {
	a := NewAnalyzer(testStore(t))
	got := a.Analyze(false, "the moon phase is wrong")
	assert.False(t, got.RetryEligible)
	assert.Empty(t, got.FailureClass)
}

func TestAnalyzeClassifiesKnownFailures(t *testing.T) {
	a := NewAnalyzer(testStore(t))

	tests := []struct {
		errMsg string
		class  string
	}{
		{"waiting for selector '#submit' failed", "selector-not-found"},
		{"element '#price' not found in DOM", "element-not-found"},
		{"navigation timeout of 30000 ms exceeded", "wait-timeout"},
		{"Error: cannot find module 'left-pad'", "module-not-found"},
		{"ImportError: no module named requests", "import-error"},
		{"TypeError: undefined is not a function", "type-error"},
	}

	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			got := a.Analyze(false, tt.errMsg)
			assert.Equal(t, tt.class, got.FailureClass)
			// No lessons seeded, so the failure needs a human.
			assert.False(t, got.RetryEligible)
			assert.True(t, got.NeedsHuman)
		})
	}
}

func TestAnalyzeRecommendsRetryWithRememberedSolution(t *testing.T) {
	s := testStore(t)
	a := NewAnalyzer(s)

	_, err := s.SaveLesson(&Lesson{
		TaskType:      "command",
		Success:       true,
		ErrorMessage:  "waiting for selector '#submit-9' failed",
		Solution:      "wait for network idle before clicking",
		LessonSummary: "submit button renders late",
	})
	require.NoError(t, err)

	got := a.Analyze(false, "waiting for selector '#submit-3' failed")
	assert.True(t, got.RetryEligible)
	assert.Equal(t, "selector-not-found", got.FailureClass)
	require.NotNil(t, got.RememberedSolution)
	assert.Equal(t, "wait for network idle before clicking", got.RememberedSolution.Solution)
	assert.False(t, got.NeedsHuman)
}

func TestAnalyzeLessonWithoutSolutionNeedsHuman(t *testing.T) {
	s := testStore(t)
	a := NewAnalyzer(s)

	_, err := s.SaveLesson(&Lesson{
		TaskType:      "command",
		Success:       true,
		ErrorMessage:  "element '#cart' not found",
		LessonSummary: "cart DOM changed, cause unknown",
	})
	require.NoError(t, err)

	got := a.Analyze(false, "element '#cart' not found")
	assert.False(t, got.RetryEligible)
	assert.True(t, got.NeedsHuman)
	assert.Nil(t, got.RememberedSolution)
}

func TestAnalyzeSurvivesDegradedStore(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	a := NewAnalyzer(s)
	require.NoError(t, s.Close())

	got := a.Analyze(false, "element '#cart' not found")
	assert.False(t, got.RetryEligible)
	assert.True(t, got.NeedsHuman)
	assert.Equal(t, "element-not-found", got.FailureClass)
}
