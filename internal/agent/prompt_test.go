package agent

import (
	"context"
	"strings"
	"testing"

	"voice-bridge/internal/observability"
	"voice-bridge/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInstructions(t *testing.T) {
	reg := registry.New(observability.NewLogger())

	t.Run("without a caller record", func(t *testing.T) {
		session, err := reg.Create(context.Background(), "CA1", "+15551234567")
		require.NoError(t, err)

		instructions := BuildInstructions(session)
		assert.Contains(t, instructions, "Angela")
		assert.Contains(t, instructions, "verify_identity")
		assert.Contains(t, instructions, "search_knowledge_base")
		assert.NotContains(t, instructions, "PRE-FETCHED CALLER DATA")
	})

	t.Run("with a caller record", func(t *testing.T) {
		session, err := reg.Create(context.Background(), "CA2", "+15559876543")
		require.NoError(t, err)
		reg.AttachCallerContext(context.Background(), "CA2", registry.CallerContext{
			Found:         true,
			FirstName:     "Maria",
			LastName:      "Lopez",
			Language:      "Spanish",
			Status:        "Qualified",
			StatusMessage: "Congratulations! You have been qualified.",
		})

		instructions := BuildInstructions(session)
		assert.Contains(t, instructions, "PRE-FETCHED CALLER DATA")
		assert.Contains(t, instructions, "Maria")
		assert.Contains(t, instructions, "+15559876543")
		assert.Contains(t, instructions, "Never reveal the name or language on file")
		// The language on file stays out of the spoken script instructions
		// except through the verification flow.
		assert.False(t, strings.Contains(instructions, "- Language: Spanish"))
	})

	t.Run("not-found record adds no caller section", func(t *testing.T) {
		session, err := reg.Create(context.Background(), "CA3", "+15550001111")
		require.NoError(t, err)
		reg.AttachCallerContext(context.Background(), "CA3", registry.CallerContext{Found: false})

		instructions := BuildInstructions(session)
		assert.NotContains(t, instructions, "PRE-FETCHED CALLER DATA")
	})
}
