package zoho

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"voice-bridge/internal/functions"
	"voice-bridge/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points the client at stub token and CRM endpoints.
func newTestClient(t *testing.T, crmHandler http.HandlerFunc) (*Client, *[]string) {
	t.Helper()

	queries := &[]string{}

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-abc"})
	}))
	t.Cleanup(tokenSrv.Close)

	crmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Zoho-oauthtoken token-abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			SelectQuery string `json:"select_query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			*queries = append(*queries, body.SelectQuery)
		}
		crmHandler(w, r)
	}))
	t.Cleanup(crmSrv.Close)

	client := NewClient("id", "secret", "refresh", observability.NewLogger())
	client.tokenURL = tokenSrv.URL
	client.apiBase = crmSrv.URL
	return client, queries
}

func leadResponse(leads ...lead) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(leads) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": leads})
	}
}

func TestLookupApplicationStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("phone match returns the record with its status message", func(t *testing.T) {
		client, queries := newTestClient(t, leadResponse(lead{
			FirstName:  "Maria",
			LastName:   "Lopez",
			LeadStatus: "Qualified",
			Language:   "Spanish",
		}))

		result, err := client.LookupApplicationStatus(ctx, functions.LookupQuery{Phone: "+1 (555) 123-4567"})
		require.NoError(t, err)
		assert.True(t, result.Found)
		assert.Equal(t, "Maria", result.FirstName)
		assert.Equal(t, "Qualified", result.Status)
		assert.Equal(t, statusMessages["Qualified"], result.Message)

		// The country code is stripped; only the trailing ten digits are matched.
		require.Len(t, *queries, 1)
		assert.Contains(t, (*queries)[0], "5551234567")
		assert.NotContains(t, (*queries)[0], "+1")
	})

	t.Run("no rows means not found, not an error", func(t *testing.T) {
		client, _ := newTestClient(t, leadResponse())
		result, err := client.LookupApplicationStatus(ctx, functions.LookupQuery{Phone: "5550001111"})
		require.NoError(t, err)
		assert.False(t, result.Found)
	})

	t.Run("name search with several rows reports multiple matches", func(t *testing.T) {
		client, _ := newTestClient(t, leadResponse(
			lead{FirstName: "Maria", LastName: "Lopez"},
			lead{FirstName: "Maria", LastName: "Lopez"},
		))
		result, err := client.LookupApplicationStatus(ctx, functions.LookupQuery{
			FirstName: "Maria", LastName: "Lopez",
		})
		require.NoError(t, err)
		assert.True(t, result.MultipleMatches)
		assert.False(t, result.Found)
	})

	t.Run("unknown status falls back to a generic message", func(t *testing.T) {
		client, _ := newTestClient(t, leadResponse(lead{FirstName: "A", LeadStatus: "Mystery"}))
		result, err := client.LookupApplicationStatus(ctx, functions.LookupQuery{Phone: "5550001111"})
		require.NoError(t, err)
		assert.Contains(t, result.Message, "Mystery")
	})

	t.Run("empty status reads as Unknown", func(t *testing.T) {
		client, _ := newTestClient(t, leadResponse(lead{FirstName: "A"}))
		result, err := client.LookupApplicationStatus(ctx, functions.LookupQuery{Phone: "5550001111"})
		require.NoError(t, err)
		assert.Equal(t, "Unknown", result.Status)
	})

	t.Run("server error surfaces as an error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := client.LookupApplicationStatus(ctx, functions.LookupQuery{Phone: "5550001111"})
		assert.Error(t, err)
	})

	t.Run("missing credentials fail fast", func(t *testing.T) {
		client := NewClient("", "", "", observability.NewLogger())
		_, err := client.LookupApplicationStatus(ctx, functions.LookupQuery{Phone: "5550001111"})
		assert.Error(t, err)
	})

	t.Run("quotes in input cannot break out of the query literal", func(t *testing.T) {
		client, queries := newTestClient(t, leadResponse())
		_, err := client.LookupApplicationStatus(ctx, functions.LookupQuery{
			FirstName: "Robert'; DROP",
			LastName:  "O'Brien",
		})
		require.NoError(t, err)
		require.Len(t, *queries, 1)
		assert.Contains(t, (*queries)[0], "Robert''; DROP")
		assert.Contains(t, (*queries)[0], "O''Brien")
	})
}

func TestStatusMessage(t *testing.T) {
	assert.Equal(t, statusMessages["Contacted"], StatusMessage("Contacted"))
	assert.Equal(t, "Your current status is: Ghosted", StatusMessage("Ghosted"))
}

func TestLastDigits(t *testing.T) {
	assert.Equal(t, "5551234567", lastDigits("+1 (555) 123-4567", 10))
	assert.Equal(t, "1234", lastDigits("1234", 10))
	assert.Equal(t, "", lastDigits("no digits", 10))
}

func TestSanitizeCOQL(t *testing.T) {
	assert.Equal(t, "O''Brien", sanitizeCOQL("O'Brien"))
	assert.Equal(t, "plain", sanitizeCOQL("plain"))
}
