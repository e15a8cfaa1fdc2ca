package functions

import (
	"context"
	"fmt"

	"voice-bridge/internal/identity"
	"voice-bridge/internal/registry"
)

// LookupQuery identifies a candidate record in the CRM. Any combination of
// fields may be set; the client tries phone, then email, then name.
type LookupQuery struct {
	Phone     string
	Email     string
	FirstName string
	LastName  string
}

// LookupResult is the caller-facing view of a CRM record.
type LookupResult struct {
	Found           bool
	MultipleMatches bool
	FirstName       string
	LastName        string
	Status          string
	Language        string
	Message         string
}

// CRMClient looks up application records. Failures are reported as errors
// and surface to the agent as backend_unavailable results.
type CRMClient interface {
	LookupApplicationStatus(ctx context.Context, query LookupQuery) (LookupResult, error)
}

// KnowledgeAnswer is a knowledge-base passage, or Found=false for no match.
type KnowledgeAnswer struct {
	Found  bool
	Answer string
}

// KnowledgeBase answers free-text questions about the service.
type KnowledgeBase interface {
	Search(ctx context.Context, question string) (KnowledgeAnswer, error)
}

const (
	CapabilityLookupStatus    = "lookup_application_status"
	CapabilitySearchKnowledge = "search_knowledge_base"
	CapabilityVerifyIdentity  = "verify_identity"
)

const lookupStatusSchema = `{
	"type": "object",
	"properties": {
		"phone": {"type": "string", "description": "The caller's phone number"},
		"email": {"type": "string", "description": "The caller's email address"},
		"first_name": {"type": "string", "description": "The caller's first name"},
		"last_name": {"type": "string", "description": "The caller's last name"}
	},
	"additionalProperties": false
}`

const searchKnowledgeSchema = `{
	"type": "object",
	"properties": {
		"question": {"type": "string", "description": "The question to search for"}
	},
	"required": ["question"],
	"additionalProperties": false
}`

const verifyIdentitySchema = `{
	"type": "object",
	"properties": {
		"first_name": {"type": "string", "description": "The first name the caller stated"},
		"last_name": {"type": "string", "description": "The last name the caller stated"},
		"language": {"type": "string", "description": "The language the caller says they applied for"}
	},
	"required": ["first_name", "last_name", "language"],
	"additionalProperties": false
}`

func rawSchema(properties map[string]any, required []string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// NewLookupApplicationStatus builds the identity-gated status lookup
// capability backed by the CRM collaborator.
func NewLookupApplicationStatus(crm CRMClient) Capability {
	return Capability{
		Name: CapabilityLookupStatus,
		Description: "Look up the caller's application status in the CRM system. " +
			"Only available after the caller's identity has been verified.",
		ArgsSchema: MustCompileSchema(CapabilityLookupStatus, lookupStatusSchema),
		RawSchema: rawSchema(map[string]any{
			"phone":      map[string]any{"type": "string", "description": "The caller's phone number"},
			"email":      map[string]any{"type": "string", "description": "The caller's email address"},
			"first_name": map[string]any{"type": "string", "description": "The caller's first name"},
			"last_name":  map[string]any{"type": "string", "description": "The caller's last name"},
		}, nil),
		Gated: true,
		Invoke: func(ctx context.Context, session *registry.CallSession, args map[string]any) (any, error) {
			query := LookupQuery{
				Phone:     stringArg(args, "phone"),
				Email:     stringArg(args, "email"),
				FirstName: stringArg(args, "first_name"),
				LastName:  stringArg(args, "last_name"),
			}
			if query.Phone == "" && query.Email == "" && query.FirstName == "" {
				// Default to the number the caller dialed in from.
				query.Phone = session.CallerPhone
			}

			result, err := crm.LookupApplicationStatus(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("crm lookup: %w", err)
			}
			if result.MultipleMatches {
				return map[string]any{
					"found":   false,
					"message": "Multiple candidates found with that name. Please provide your phone number or email.",
				}, nil
			}
			if !result.Found {
				return map[string]any{
					"found":   false,
					"message": "I couldn't find a record with that information.",
				}, nil
			}
			return map[string]any{
				"found":      true,
				"first_name": result.FirstName,
				"last_name":  result.LastName,
				"status":     result.Status,
				"message":    result.Message,
			}, nil
		},
	}
}

// NewSearchKnowledgeBase builds the ungated knowledge-base search capability.
func NewSearchKnowledgeBase(kb KnowledgeBase) Capability {
	return Capability{
		Name: CapabilitySearchKnowledge,
		Description: "Search the knowledge base for information about interpreter services, " +
			"requirements, training, pay, and policies.",
		ArgsSchema: MustCompileSchema(CapabilitySearchKnowledge, searchKnowledgeSchema),
		RawSchema: rawSchema(map[string]any{
			"question": map[string]any{"type": "string", "description": "The question to search for"},
		}, []string{"question"}),
		Invoke: func(ctx context.Context, _ *registry.CallSession, args map[string]any) (any, error) {
			answer, err := kb.Search(ctx, stringArg(args, "question"))
			if err != nil {
				return nil, fmt.Errorf("knowledge base search: %w", err)
			}
			return map[string]any{
				"found":  answer.Found,
				"answer": answer.Answer,
			}, nil
		},
	}
}

// NewVerifyIdentity builds the capability through which the agent submits the
// caller's spoken name and language to the identity gate.
func NewVerifyIdentity() Capability {
	return Capability{
		Name: CapabilityVerifyIdentity,
		Description: "Verify the caller's identity by checking the name and language they stated " +
			"against the record on file. Must succeed before application status can be shared.",
		ArgsSchema: MustCompileSchema(CapabilityVerifyIdentity, verifyIdentitySchema),
		RawSchema: rawSchema(map[string]any{
			"first_name": map[string]any{"type": "string", "description": "The first name the caller stated"},
			"last_name":  map[string]any{"type": "string", "description": "The last name the caller stated"},
			"language":   map[string]any{"type": "string", "description": "The language the caller says they applied for"},
		}, []string{"first_name", "last_name", "language"}),
		Invoke: func(ctx context.Context, session *registry.CallSession, args map[string]any) (any, error) {
			name := stringArg(args, "first_name") + " " + stringArg(args, "last_name")
			state := session.Verification.SubmitAnswer(name, stringArg(args, "language"))

			switch state {
			case identity.Verified:
				return map[string]any{
					"verified": true,
					"message":  "Identity confirmed. You may now share the application status.",
				}, nil
			case identity.Denied:
				return map[string]any{
					"verified": false,
					"message": "That does not match the record on file and no attempts remain. " +
						"Do not share any application details; offer to have a team member follow up.",
				}, nil
			default:
				return map[string]any{
					"verified":      false,
					"attempts_left": session.Verification.AttemptsLeft(),
					"message": "Hmm, that doesn't seem to match what I have on file. " +
						"Ask the caller to double-check the name and the language they applied for.",
				}, nil
			}
		},
	}
}

func stringArg(args map[string]any, key string) string {
	value, _ := args[key].(string)
	return value
}
