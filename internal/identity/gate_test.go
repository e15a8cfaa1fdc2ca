package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGateVerification(t *testing.T) {
	t.Run("correct name and language verifies", func(t *testing.T) {
		gate := NewGate()
		gate.Attach("Maria Lopez", "Spanish")

		prompt, ok := gate.RequestChallenge()
		assert.True(t, ok)
		assert.Equal(t, ChallengePrompt, prompt)
		assert.Equal(t, PendingChallenge, gate.State())

		state := gate.SubmitAnswer("Maria Lopez", "Spanish")
		assert.Equal(t, Verified, state)
		assert.True(t, gate.IsVerified())
	})

	t.Run("diacritics and casing do not block a match", func(t *testing.T) {
		gate := NewGate()
		gate.Attach("María López", "spanish")

		state := gate.SubmitAnswer("maria lopez", "SPANISH")
		assert.Equal(t, Verified, state)
	})

	t.Run("small transcription error in the name is tolerated", func(t *testing.T) {
		gate := NewGate()
		gate.Attach("Maria Lopez", "spanish")

		state := gate.SubmitAnswer("Mari Lopez", "spanish")
		assert.Equal(t, Verified, state)
	})

	t.Run("wrong language fails even with a correct name", func(t *testing.T) {
		gate := NewGate()
		gate.Attach("Maria Lopez", "spanish")

		state := gate.SubmitAnswer("Maria Lopez", "french")
		assert.Equal(t, PendingChallenge, state)
		assert.False(t, gate.IsVerified())
	})

	t.Run("an entirely different name fails", func(t *testing.T) {
		gate := NewGate()
		gate.Attach("Maria Lopez", "spanish")

		state := gate.SubmitAnswer("John Smith", "spanish")
		assert.Equal(t, PendingChallenge, state)
	})

	t.Run("no record attached rejects every answer", func(t *testing.T) {
		gate := NewGate()

		state := gate.SubmitAnswer("Maria Lopez", "spanish")
		assert.Equal(t, PendingChallenge, state)
		assert.False(t, gate.IsVerified())
	})
}

func TestGateAttemptLimit(t *testing.T) {
	gate := NewGate()
	gate.Attach("Maria Lopez", "spanish")

	gate.RequestChallenge()
	assert.Equal(t, 3, gate.AttemptsLeft())

	assert.Equal(t, PendingChallenge, gate.SubmitAnswer("John Smith", "spanish"))
	assert.Equal(t, 2, gate.AttemptsLeft())
	assert.Equal(t, PendingChallenge, gate.SubmitAnswer("Jane Doe", "spanish"))
	assert.Equal(t, 1, gate.AttemptsLeft())
	assert.Equal(t, Denied, gate.SubmitAnswer("Bob Jones", "spanish"))
	assert.Equal(t, 0, gate.AttemptsLeft())

	// Denied is terminal: even the right answer no longer verifies.
	assert.Equal(t, Denied, gate.SubmitAnswer("Maria Lopez", "spanish"))
	assert.False(t, gate.IsVerified())

	// And no further challenge can be issued.
	prompt, ok := gate.RequestChallenge()
	assert.False(t, ok)
	assert.Empty(t, prompt)
}

func TestGateChallengeTimeout(t *testing.T) {
	now := time.Now()
	gate := NewGate()
	gate.now = func() time.Time { return now }
	gate.Attach("Maria Lopez", "spanish")

	_, ok := gate.RequestChallenge()
	assert.True(t, ok)
	assert.Equal(t, PendingChallenge, gate.State())

	// Let the challenge window lapse.
	now = now.Add(3 * time.Minute)
	assert.Equal(t, Unverified, gate.State())

	// A fresh challenge can still be issued and answered.
	_, ok = gate.RequestChallenge()
	assert.True(t, ok)
	assert.Equal(t, Verified, gate.SubmitAnswer("Maria Lopez", "spanish"))
}

func TestGateVerifiedIsTerminal(t *testing.T) {
	gate := NewGate()
	gate.Attach("Maria Lopez", "spanish")

	assert.Equal(t, Verified, gate.SubmitAnswer("Maria Lopez", "spanish"))

	// A later wrong answer does not revoke verification.
	assert.Equal(t, Verified, gate.SubmitAnswer("John Smith", "french"))
	assert.True(t, gate.IsVerified())
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"María López", "maria lopez"},
		{"  MARIA   LOPEZ  ", "maria lopez"},
		{"José Núñez", "jose nunez"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeName(tt.in), "input %q", tt.in)
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("maria", "maria"))
	assert.Equal(t, 1, levenshtein("maria", "mari"))
	assert.Equal(t, 2, levenshtein("maria", "mara a"))
	assert.Equal(t, 5, levenshtein("", "maria"))
}
