package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelWarn, &buf)

	l.Debug(context.Background(), "hidden")
	l.Info(context.Background(), "hidden")
	l.Warn(context.Background(), "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown")
}

func TestFieldsAreSortedAndMerged(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelDebug, &buf)

	l.Info(context.Background(), "event",
		map[string]interface{}{"zeta": 1, "alpha": 2},
		map[string]interface{}{"alpha": 3},
	)

	assert.Contains(t, buf.String(), "alpha=3 zeta=1", "keys sorted, later maps win")
}

func TestErrorIncludesCause(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelDebug, &buf)

	l.Error(context.Background(), errors.New("boom"), "failed")
	assert.Contains(t, buf.String(), "[ERROR] failed | error: boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
