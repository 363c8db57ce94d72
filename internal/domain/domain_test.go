package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidResult(t *testing.T) {
	assert.True(t, ValidResult(ResultConverted))
	assert.True(t, ValidResult(ResultLost))
	assert.False(t, ValidResult("WON"))
	assert.False(t, ValidResult(""))
}

func TestSessionAppend(t *testing.T) {
	s := &CallSession{}
	s.Append(TranscriptChunk{Text: "olá", Role: RoleLead, Timestamp: 100})
	s.Append(TranscriptChunk{Text: "oi", Role: RoleSeller, Timestamp: 200})

	assert.Len(t, s.Transcript, 2)
	assert.Equal(t, 2, s.ChunksSinceLastCoach)
	assert.Equal(t, "olá", s.Transcript[0].Text)
}

func TestTranscriptSince(t *testing.T) {
	s := &CallSession{}
	for _, ts := range []int64{100, 200, 300, 400} {
		s.Append(TranscriptChunk{Text: "x", Role: RoleLead, Timestamp: ts})
	}

	recent := s.TranscriptSince(250)
	assert.Len(t, recent, 2)
	assert.EqualValues(t, 300, recent[0].Timestamp)

	assert.Empty(t, s.TranscriptSince(500))
	assert.Len(t, s.TranscriptSince(0), 4)
}

func TestRememberQuestionDeduplicates(t *testing.T) {
	s := &CallSession{}
	s.RememberQuestion("qual o orçamento?")
	s.RememberQuestion("qual o orçamento?")
	s.RememberQuestion("")
	s.RememberQuestion("quem decide?")

	assert.Equal(t, []string{"qual o orçamento?", "quem decide?"}, s.SentQuestions)
}
