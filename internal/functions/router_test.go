package functions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"voice-bridge/internal/identity"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCRM struct {
	result LookupResult
	err    error
	calls  int
}

func (f *fakeCRM) LookupApplicationStatus(ctx context.Context, query LookupQuery) (LookupResult, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return LookupResult{}, err
	}
	return f.result, f.err
}

type fakeKB struct {
	answer KnowledgeAnswer
	err    error
}

func (f *fakeKB) Search(ctx context.Context, question string) (KnowledgeAnswer, error) {
	return f.answer, f.err
}

func newTestSession(t *testing.T) *registry.CallSession {
	t.Helper()
	reg := registry.New(observability.NewLogger())
	session, err := reg.Create(context.Background(), "CA-test", "+15551234567")
	require.NoError(t, err)
	reg.AttachCallerContext(context.Background(), "CA-test", registry.CallerContext{
		Found:         true,
		FirstName:     "Maria",
		LastName:      "Lopez",
		Language:      "Spanish",
		Status:        "Assessment Scheduled",
		StatusMessage: "Your assessment is scheduled.",
	})
	return session
}

func resultErrCode(t *testing.T, r Result) string {
	t.Helper()
	require.NotNil(t, r.Err, "expected an error result, got payload %s", r.Payload)
	return r.Err.Code
}

func TestDispatchUnknownFunction(t *testing.T) {
	router, err := NewRouter(observability.NewLogger())
	require.NoError(t, err)

	result := router.Dispatch(context.Background(), newTestSession(t), Invocation{
		ID:   "inv-1",
		Name: "transfer_money",
		Args: json.RawMessage(`{}`),
	})
	assert.Equal(t, CodeUnknownFunction, resultErrCode(t, result))
	assert.Equal(t, "inv-1", result.InvocationID)
}

func TestDispatchSchemaMismatch(t *testing.T) {
	router, err := NewRouter(observability.NewLogger(), NewSearchKnowledgeBase(&fakeKB{}))
	require.NoError(t, err)
	session := newTestSession(t)

	t.Run("missing required field", func(t *testing.T) {
		result := router.Dispatch(context.Background(), session, Invocation{
			ID:   "inv-2",
			Name: CapabilitySearchKnowledge,
			Args: json.RawMessage(`{}`),
		})
		assert.Equal(t, CodeSchemaMismatch, resultErrCode(t, result))
	})

	t.Run("wrong field type", func(t *testing.T) {
		result := router.Dispatch(context.Background(), session, Invocation{
			ID:   "inv-3",
			Name: CapabilitySearchKnowledge,
			Args: json.RawMessage(`{"question": 42}`),
		})
		assert.Equal(t, CodeSchemaMismatch, resultErrCode(t, result))
	})

	t.Run("malformed JSON", func(t *testing.T) {
		result := router.Dispatch(context.Background(), session, Invocation{
			ID:   "inv-4",
			Name: CapabilitySearchKnowledge,
			Args: json.RawMessage(`{"question":`),
		})
		assert.Equal(t, CodeSchemaMismatch, resultErrCode(t, result))
	})
}

func TestDispatchIdentityGating(t *testing.T) {
	crm := &fakeCRM{result: LookupResult{Found: true, Status: "Hired", Message: "Congratulations!"}}
	router, err := NewRouter(observability.NewLogger(),
		NewVerifyIdentity(), NewLookupApplicationStatus(crm))
	require.NoError(t, err)

	t.Run("gated lookup before verification returns the challenge", func(t *testing.T) {
		session := newTestSession(t)
		result := router.Dispatch(context.Background(), session, Invocation{
			ID:   "inv-5",
			Name: CapabilityLookupStatus,
			Args: json.RawMessage(`{}`),
		})
		assert.Equal(t, CodeNotVerified, resultErrCode(t, result))
		assert.Equal(t, identity.ChallengePrompt, result.Err.Message)
		assert.Equal(t, identity.PendingChallenge, session.Verification.State())
		assert.Zero(t, crm.calls, "backend must not run before verification")
	})

	t.Run("lookup succeeds after verify_identity", func(t *testing.T) {
		session := newTestSession(t)

		verify := router.Dispatch(context.Background(), session, Invocation{
			ID:   "inv-6",
			Name: CapabilityVerifyIdentity,
			Args: json.RawMessage(`{"first_name":"Maria","last_name":"Lopez","language":"Spanish"}`),
		})
		require.Nil(t, verify.Err)
		var verifyPayload map[string]any
		require.NoError(t, json.Unmarshal(verify.Payload, &verifyPayload))
		assert.Equal(t, true, verifyPayload["verified"])

		result := router.Dispatch(context.Background(), session, Invocation{
			ID:   "inv-7",
			Name: CapabilityLookupStatus,
			Args: json.RawMessage(`{}`),
		})
		require.Nil(t, result.Err)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(result.Payload, &payload))
		assert.Equal(t, true, payload["found"])
		assert.Equal(t, "Congratulations!", payload["message"])
	})

	t.Run("denied gate stays shut for the rest of the call", func(t *testing.T) {
		session := newTestSession(t)
		for i := 0; i < 3; i++ {
			router.Dispatch(context.Background(), session, Invocation{
				ID:   "inv-8",
				Name: CapabilityVerifyIdentity,
				Args: json.RawMessage(`{"first_name":"Wrong","last_name":"Person","language":"french"}`),
			})
		}
		assert.Equal(t, identity.Denied, session.Verification.State())

		result := router.Dispatch(context.Background(), session, Invocation{
			ID:   "inv-9",
			Name: CapabilityLookupStatus,
			Args: json.RawMessage(`{}`),
		})
		assert.Equal(t, CodeNotVerified, resultErrCode(t, result))
		assert.NotEqual(t, identity.ChallengePrompt, result.Err.Message)
	})
}

func TestDispatchBackendFailures(t *testing.T) {
	t.Run("backend error maps to backend_unavailable", func(t *testing.T) {
		router, err := NewRouter(observability.NewLogger(),
			NewSearchKnowledgeBase(&fakeKB{err: errors.New("connection refused")}))
		require.NoError(t, err)

		result := router.Dispatch(context.Background(), newTestSession(t), Invocation{
			ID:   "inv-10",
			Name: CapabilitySearchKnowledge,
			Args: json.RawMessage(`{"question":"What are the requirements?"}`),
		})
		assert.Equal(t, CodeBackendUnavailable, resultErrCode(t, result))
	})

	t.Run("deadline exceeded maps to timeout", func(t *testing.T) {
		session := newTestSession(t)
		session.Verification.SubmitAnswer("Maria Lopez", "Spanish")
		crm := &fakeCRM{}
		router, err := NewRouter(observability.NewLogger(), NewLookupApplicationStatus(crm))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 0)
		defer cancel()
		<-ctx.Done()

		result := router.Dispatch(ctx, session, Invocation{
			ID:   "inv-11",
			Name: CapabilityLookupStatus,
			Args: json.RawMessage(`{}`),
		})
		assert.Equal(t, CodeTimeout, resultErrCode(t, result))
	})

	t.Run("cancellation maps to cancelled", func(t *testing.T) {
		session := newTestSession(t)
		session.Verification.SubmitAnswer("Maria Lopez", "Spanish")
		crm := &fakeCRM{}
		router, err := NewRouter(observability.NewLogger(), NewLookupApplicationStatus(crm))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result := router.Dispatch(ctx, session, Invocation{
			ID:   "inv-12",
			Name: CapabilityLookupStatus,
			Args: json.RawMessage(`{}`),
		})
		assert.Equal(t, CodeCancelled, resultErrCode(t, result))
	})
}

func TestLookupDefaultsToCallerPhone(t *testing.T) {
	crm := &fakeCRM{result: LookupResult{Found: true, Message: "On file."}}
	router, err := NewRouter(observability.NewLogger(), NewLookupApplicationStatus(crm))
	require.NoError(t, err)

	session := newTestSession(t)
	session.Verification.SubmitAnswer("Maria Lopez", "Spanish")

	result := router.Dispatch(context.Background(), session, Invocation{
		ID:   "inv-13",
		Name: CapabilityLookupStatus,
		Args: json.RawMessage(`{}`),
	})
	require.Nil(t, result.Err)
	assert.Equal(t, 1, crm.calls)
}

func TestResultOutput(t *testing.T) {
	t.Run("payload passes through", func(t *testing.T) {
		r := Result{InvocationID: "a", Payload: json.RawMessage(`{"found":true}`)}
		assert.JSONEq(t, `{"found":true}`, r.Output())
	})

	t.Run("error renders code and message", func(t *testing.T) {
		r := CancelledResult("b")
		var out map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.Output()), &out))
		assert.Equal(t, CodeCancelled, out["error"])
		assert.NotEmpty(t, out["message"])
	})
}

func TestDefinitionsOrder(t *testing.T) {
	router, err := NewRouter(observability.NewLogger(),
		NewVerifyIdentity(),
		NewLookupApplicationStatus(&fakeCRM{}),
		NewSearchKnowledgeBase(&fakeKB{}),
	)
	require.NoError(t, err)

	defs := router.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, CapabilityVerifyIdentity, defs[0].Name)
	assert.Equal(t, CapabilityLookupStatus, defs[1].Name)
	assert.Equal(t, CapabilitySearchKnowledge, defs[2].Name)
	for _, def := range defs {
		assert.NotEmpty(t, def.Description)
		assert.Equal(t, "object", def.Parameters["type"])
	}
}

func TestDuplicateCapabilityRejected(t *testing.T) {
	_, err := NewRouter(observability.NewLogger(), NewVerifyIdentity(), NewVerifyIdentity())
	assert.Error(t, err)
}
