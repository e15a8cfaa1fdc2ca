package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"voice-bridge/internal/bridge"
	"voice-bridge/internal/call/processor"
	"voice-bridge/internal/functions"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopCRM struct{}

func (noopCRM) LookupApplicationStatus(ctx context.Context, query functions.LookupQuery) (functions.LookupResult, error) {
	return functions.LookupResult{}, nil
}

func newTestHandler(t *testing.T) (Handler, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := observability.NewLogger()
	reg := registry.New(logger)
	router, err := functions.NewRouter(logger)
	require.NoError(t, err)
	proc := processor.NewCallProcessor(reg, noopCRM{}, router, nil, bridge.DefaultConfig(), logger)
	return New(proc, "voice.example.com", logger), reg
}

func postIncomingCall(t *testing.T, h Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	ginCtx, _ := gin.CreateTestContext(recorder)
	req := httptest.NewRequest(http.MethodPost, "/incoming-call", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ginCtx.Request = req
	h.HandleIncomingCall(ginCtx)
	return recorder
}

func TestHandleIncomingCall(t *testing.T) {
	h, reg := newTestHandler(t)

	form := url.Values{}
	form.Set("CallSid", "CA555")
	form.Set("From", "+15551234567")

	recorder := postIncomingCall(t, h, form)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/xml", recorder.Header().Get("Content-Type"))

	body := recorder.Body.String()
	assert.Contains(t, body, "<Connect>")
	assert.Contains(t, body, "wss://voice.example.com/media-stream")
	assert.Contains(t, body, `name="callSid"`)
	assert.Contains(t, body, "CA555")

	// The session is registered before TwiML is returned.
	session, ok := reg.Get("CA555")
	require.True(t, ok)
	assert.Equal(t, "+15551234567", session.CallerPhone)
}

func TestHandleIncomingCallDuplicate(t *testing.T) {
	h, _ := newTestHandler(t)

	form := url.Values{}
	form.Set("CallSid", "CA556")
	form.Set("From", "+15551234567")

	assert.Equal(t, http.StatusOK, postIncomingCall(t, h, form).Code)
	assert.Equal(t, http.StatusConflict, postIncomingCall(t, h, form).Code)
}

func TestHandleIncomingCallMissingCallSid(t *testing.T) {
	h, _ := newTestHandler(t)
	recorder := postIncomingCall(t, h, url.Values{})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
