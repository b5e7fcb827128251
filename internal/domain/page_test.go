package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_PipelinePath(t *testing.T) {
	// The happy path of a PDF page, end to end.
	path := []PageStatus{
		StatusPendingRender, StatusRendering, StatusReady,
		StatusPendingOCR, StatusRecognizing, StatusOCRSuccess,
		StatusPendingGen, StatusGeneratingMarkdown, StatusMarkdownSuccess,
		StatusGeneratingDOCX, StatusDOCXSuccess,
		StatusGeneratingPDF, StatusPDFSuccess, StatusCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]),
			"%s -> %s should be legal", path[i], path[i+1])
	}
}

func TestCanTransition_RejectsSkips(t *testing.T) {
	cases := []struct{ from, to PageStatus }{
		{StatusReady, StatusRecognizing},             // must pass through pending_ocr
		{StatusOCRSuccess, StatusGeneratingMarkdown}, // must pass through pending_gen
		{StatusPendingRender, StatusCompleted},
		{StatusRecognizing, StatusCompleted},
		{StatusCompleted, StatusReady},
	}
	for _, c := range cases {
		assert.False(t, CanTransition(c.from, c.to), "%s -> %s should be illegal", c.from, c.to)
	}
}

func TestCanTransition_ErrorReachableFromAnyNonErrorState(t *testing.T) {
	for from := range transitions {
		if from == StatusError {
			assert.False(t, CanTransition(from, StatusError))
			continue
		}
		assert.True(t, CanTransition(from, StatusError), "%s -> error should be legal", from)
	}
}

func TestCanTransition_RetriesFromError(t *testing.T) {
	assert.True(t, CanTransition(StatusError, StatusPendingOCR))
	assert.True(t, CanTransition(StatusError, StatusPendingGen))
	assert.True(t, CanTransition(StatusError, StatusPendingRender))
	assert.False(t, CanTransition(StatusError, StatusCompleted))
}

func TestCanTransition_ReprocessingFromCompleted(t *testing.T) {
	assert.True(t, CanTransition(StatusCompleted, StatusPendingOCR))
	assert.True(t, CanTransition(StatusCompleted, StatusPendingGen))
}

func TestIsInFlight(t *testing.T) {
	inFlight := []PageStatus{
		StatusRendering, StatusRecognizing,
		StatusGeneratingMarkdown, StatusGeneratingDOCX, StatusGeneratingPDF,
	}
	for _, s := range inFlight {
		assert.True(t, s.IsInFlight(), "%s should be in flight", s)
	}

	settled := []PageStatus{
		StatusPendingRender, StatusReady, StatusPendingOCR, StatusOCRSuccess,
		StatusPendingGen, StatusMarkdownSuccess, StatusDOCXSuccess,
		StatusPDFSuccess, StatusCompleted, StatusError,
	}
	for _, s := range settled {
		assert.False(t, s.IsInFlight(), "%s should not be in flight", s)
	}
}

func TestAppendLog(t *testing.T) {
	p := &Page{}
	p.AppendLog("first")
	p.AppendLog("second")
	assert.Len(t, p.Logs, 2)
	assert.Equal(t, "first", p.Logs[0].Message)
	assert.False(t, p.Logs[0].Time.IsZero())
}
