package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMetadataStripsBlockAndParsesFields(t *testing.T) {
	text := "Here is your answer.\n\n```metadata\n" +
		`{"key_points":["sick leave","medical certificate"],"answer_source":"FAQ","session_status":"active"}` +
		"\n```"

	meta, cleaned, ok := ExtractMetadata(text)
	require.True(t, ok)
	assert.Equal(t, []string{"sick leave", "medical certificate"}, meta.KeyPoints)
	assert.Equal(t, AnswerFAQ, meta.AnswerSource)
	assert.Equal(t, TurnActive, meta.SessionStatus)
	assert.NotContains(t, cleaned, "```")
	assert.Equal(t, "Here is your answer.", cleaned)
}

func TestExtractMetadataMissingBlockReturnsFalse(t *testing.T) {
	meta, cleaned, ok := ExtractMetadata("just a plain reply")
	assert.False(t, ok)
	assert.Equal(t, Metadata{}, meta)
	assert.Equal(t, "just a plain reply", cleaned)
}

func TestExtractMetadataRejectsBlockMissingRequiredFields(t *testing.T) {
	text := "reply\n```json\n{\"key_points\":[]}\n```"
	_, cleaned, ok := ExtractMetadata(text)
	assert.False(t, ok)
	assert.Equal(t, text, cleaned)
}
