package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", "console")
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger, err = New("", "json")
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = New("loud", "json")
	require.Error(t, err)

	_, err = New("info", "xml")
	require.Error(t, err)
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
		absent   string
	}{
		{
			name:     "query string key",
			err:      errors.New(`Post "https://generativelanguage.googleapis.com/v1?key=AIzaSyD-abcdefghijklmnopqrstuv": 429`),
			contains: RedactedText,
			absent:   "AIzaSyD-abcdefghijklmnopqrstuv",
		},
		{
			name:     "bare google key",
			err:      errors.New("API key not valid: AIzaSyD-abcdefghijklmnopqrstuv"),
			contains: "API key not valid",
			absent:   "AIzaSyD",
		},
		{
			name:     "secret key",
			err:      errors.New("incorrect key sk-proj-1234567890abcdefgh"),
			contains: RedactedText,
			absent:   "sk-proj-1234567890abcdefgh",
		},
		{
			name:     "connection string",
			err:      errors.New("dial postgres://app:hunter2@db:5432/tasks failed"),
			contains: RedactedText,
			absent:   "hunter2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeError(tt.err)
			assert.Contains(t, got, tt.contains)
			assert.NotContains(t, got, tt.absent)
		})
	}

	assert.Equal(t, "", SanitizeError(nil))
	assert.Equal(t, "connection refused", SanitizeText("connection refused"))
}
