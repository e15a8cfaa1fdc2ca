package identity

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// State is the verification state of a caller. Transitions are monotonic
// forward, except PendingChallenge falling back to Unverified on timeout.
// Verified and Denied are terminal for the call.
type State string

const (
	Unverified       State = "unverified"
	PendingChallenge State = "pending_challenge"
	Verified         State = "verified"
	Denied           State = "denied"
)

const (
	defaultMaxAttempts  = 3
	defaultChallengeTTL = 2 * time.Minute

	// Edit distance tolerated on the normalized full name. Spoken names
	// transcribed from audio routinely lose a letter or two.
	nameDistanceLimit = 2
)

// ChallengePrompt is what the agent asks the caller when verification starts.
const ChallengePrompt = "To verify your identity, could you please confirm your first and last name, " +
	"and the language you applied to interpret for?"

// Gate tracks the verification state for one call. Sensitive record data may
// only be released while the gate reports Verified.
type Gate struct {
	mu sync.Mutex

	state        State
	attempts     int
	maxAttempts  int
	pendingSince time.Time
	challengeTTL time.Duration

	expectedName     string
	expectedLanguage string
	attached         bool

	now func() time.Time
}

// NewGate returns a gate in the Unverified state with no expected identity
// attached yet.
func NewGate() *Gate {
	return &Gate{
		state:        Unverified,
		maxAttempts:  defaultMaxAttempts,
		challengeTTL: defaultChallengeTTL,
		now:          time.Now,
	}
}

// Attach records the expected identity from the caller record fetched at call
// start. Without it every answer is rejected.
func (g *Gate) Attach(fullName, language string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expectedName = normalizeName(fullName)
	g.expectedLanguage = normalizeLanguage(language)
	g.attached = true
}

// RequestChallenge moves Unverified to PendingChallenge and returns the
// prompt the orchestrator feeds to the agent. Re-requesting while already
// pending refreshes the challenge window. Terminal states keep the prompt
// empty and ok false.
func (g *Gate) RequestChallenge() (prompt string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expirePendingLocked()

	switch g.state {
	case Unverified, PendingChallenge:
		g.state = PendingChallenge
		g.pendingSince = g.now()
		return ChallengePrompt, true
	default:
		return "", false
	}
}

// SubmitAnswer compares the spoken name and language against the attached
// record. Name matching is case-insensitive, diacritic-normalized and
// tolerant of small transcription errors; language must match exactly.
// Exhausting the attempt limit denies the gate permanently.
func (g *Gate) SubmitAnswer(spokenName, spokenLanguage string) State {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expirePendingLocked()

	switch g.state {
	case Verified, Denied:
		return g.state
	case Unverified:
		// An answer implies a challenge; treat it as one attempt anyway.
		g.state = PendingChallenge
		g.pendingSince = g.now()
	}

	if g.attached &&
		namesMatch(normalizeName(spokenName), g.expectedName) &&
		normalizeLanguage(spokenLanguage) == g.expectedLanguage {
		g.state = Verified
		return g.state
	}

	g.attempts++
	if g.attempts >= g.maxAttempts {
		g.state = Denied
	} else {
		g.pendingSince = g.now()
	}
	return g.state
}

// IsVerified reports whether sensitive data may be released. Pure query.
func (g *Gate) IsVerified() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == Verified
}

// State returns the current verification state, applying the challenge
// timeout if one has lapsed.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expirePendingLocked()
	return g.state
}

// AttemptsLeft reports how many answers the caller may still give.
func (g *Gate) AttemptsLeft() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	left := g.maxAttempts - g.attempts
	if left < 0 {
		return 0
	}
	return left
}

func (g *Gate) expirePendingLocked() {
	if g.state == PendingChallenge && g.now().Sub(g.pendingSince) > g.challengeTTL {
		g.state = Unverified
	}
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeName lowercases, strips diacritics and collapses whitespace.
func normalizeName(name string) string {
	stripped, _, err := transform.String(stripMarks, name)
	if err != nil {
		stripped = name
	}
	return strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
}

func normalizeLanguage(language string) string {
	return strings.TrimSpace(strings.ToLower(language))
}

// namesMatch accepts an exact normalized match or a small edit distance on
// the full normalized name.
func namesMatch(spoken, expected string) bool {
	if spoken == "" || expected == "" {
		return false
	}
	if spoken == expected {
		return true
	}
	return levenshtein(spoken, expected) <= nameDistanceLimit
}

// levenshtein computes edit distance over runes. Small inputs only (names).
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
