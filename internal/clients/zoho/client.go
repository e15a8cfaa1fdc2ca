package zoho

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voice-bridge/internal/functions"
	"voice-bridge/internal/observability"
)

const (
	defaultTokenURL = "https://accounts.zoho.com/oauth/v2/token"
	defaultAPIBase  = "https://www.zohoapis.com/crm/v2"
)

// statusMessages maps lead statuses to the sentence the agent speaks.
var statusMessages = map[string]string{
	"Not Contacted":                   "We have received your application and will contact you soon.",
	"Contacted":                       "We have reached out to you. Please check your email or phone.",
	"Pre-Qualified":                   "Your application is currently being reviewed.",
	"Qualified":                       "Congratulations! You have been qualified. We will reach out with next steps.",
	"Not Qualified":                   "Unfortunately, your application did not meet our requirements at this time.",
	"Invited for training":            "You have been invited for training. Please check your email.",
	"Scheduled for Next training":     "You are scheduled for our next training session.",
	"Training completed successfully": "Congratulations! You have completed your training successfully.",
}

// Client queries the Zoho CRM for candidate records. It satisfies
// functions.CRMClient and the caller-context prefetch used at call start.
type Client struct {
	clientID     string
	clientSecret string
	refreshToken string
	tokenURL     string
	apiBase      string
	httpClient   *http.Client
	logger       *observability.Logger
}

// NewClient creates a CRM client. Missing credentials are allowed; lookups
// then fail with an error the router maps to backend_unavailable.
func NewClient(clientID, clientSecret, refreshToken string, logger *observability.Logger) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		tokenURL:     defaultTokenURL,
		apiBase:      defaultAPIBase,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       logger,
	}
}

type lead struct {
	FirstName      string `json:"First_Name"`
	LastName       string `json:"Last_Name"`
	LeadStatus     string `json:"Lead_Status"`
	TrainingStatus string `json:"Training_Status"`
	Language       string `json:"Language"`
}

// LookupApplicationStatus resolves a record by phone, then email, then name,
// and shapes it into the caller-facing result.
func (c *Client) LookupApplicationStatus(ctx context.Context, query functions.LookupQuery) (functions.LookupResult, error) {
	var (
		record   *lead
		multiple bool
		err      error
	)

	if query.Phone != "" {
		record, _, err = c.searchByPhone(ctx, query.Phone)
		if err != nil {
			return functions.LookupResult{}, err
		}
	}
	if record == nil && query.Email != "" {
		record, _, err = c.searchByEmail(ctx, query.Email)
		if err != nil {
			return functions.LookupResult{}, err
		}
	}
	if record == nil && query.FirstName != "" && query.LastName != "" {
		record, multiple, err = c.searchByName(ctx, query.FirstName, query.LastName)
		if err != nil {
			return functions.LookupResult{}, err
		}
		if multiple {
			return functions.LookupResult{MultipleMatches: true}, nil
		}
	}

	if record == nil {
		return functions.LookupResult{Found: false}, nil
	}

	status := record.LeadStatus
	if status == "" {
		status = "Unknown"
	}
	return functions.LookupResult{
		Found:     true,
		FirstName: record.FirstName,
		LastName:  record.LastName,
		Status:    status,
		Language:  record.Language,
		Message:   StatusMessage(status),
	}, nil
}

// StatusMessage returns the spoken sentence for a lead status.
func StatusMessage(status string) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return fmt.Sprintf("Your current status is: %s", status)
}

func (c *Client) searchByPhone(ctx context.Context, phone string) (*lead, bool, error) {
	safePhone := sanitizeCOQL(lastDigits(phone, 10))
	if safePhone == "" {
		return nil, false, nil
	}
	query := fmt.Sprintf(
		"SELECT First_Name, Last_Name, Lead_Status, Training_Status, Language "+
			"FROM Leads WHERE (Phone like '%%%s%%' OR Mobile like '%%%s%%') LIMIT 1",
		safePhone, safePhone)
	return c.runQuery(ctx, query, 1)
}

func (c *Client) searchByEmail(ctx context.Context, email string) (*lead, bool, error) {
	query := fmt.Sprintf(
		"SELECT First_Name, Last_Name, Lead_Status, Training_Status, Language "+
			"FROM Leads WHERE Email = '%s' LIMIT 1",
		sanitizeCOQL(email))
	return c.runQuery(ctx, query, 1)
}

func (c *Client) searchByName(ctx context.Context, firstName, lastName string) (*lead, bool, error) {
	query := fmt.Sprintf(
		"SELECT First_Name, Last_Name, Lead_Status, Training_Status, Language "+
			"FROM Leads WHERE First_Name = '%s' AND Last_Name = '%s' LIMIT 5",
		sanitizeCOQL(firstName), sanitizeCOQL(lastName))
	return c.runQuery(ctx, query, 5)
}

func (c *Client) runQuery(ctx context.Context, query string, limit int) (*lead, bool, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, false, err
	}

	body, err := json.Marshal(map[string]string{"select_query": query})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal COQL query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/coql", strings.NewReader(string(body)))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create COQL request: %w", err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("COQL request failed: %w", err)
	}
	defer resp.Body.Close()

	// 204 means no matching rows.
	if resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("COQL query returned %d: %s", resp.StatusCode, string(respBody))
	}

	var payload struct {
		Data []lead `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, fmt.Errorf("failed to decode COQL response: %w", err)
	}
	if len(payload.Data) == 0 {
		return nil, false, nil
	}
	if limit > 1 && len(payload.Data) > 1 {
		return nil, true, nil
	}
	return &payload.Data[0], false, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.clientID == "" || c.clientSecret == "" || c.refreshToken == "" {
		return "", fmt.Errorf("zoho credentials not configured")
	}

	form := url.Values{}
	form.Set("refresh_token", c.refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, string(respBody))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	return payload.AccessToken, nil
}

// sanitizeCOQL escapes single quotes for COQL string literals.
func sanitizeCOQL(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

// lastDigits strips non-digits and keeps the trailing n digits, matching how
// numbers are stored with or without the country code.
func lastDigits(phone string, n int) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	s := digits.String()
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
