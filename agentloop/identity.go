package agentloop

import (
	"bytes"
	"context"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
)

// SessionIdentity selects a conversation. UserName is display metadata and
// takes no part in the key.
type SessionIdentity struct {
	UserID    string
	SessionID string
	UserName  string
}

// Key returns the store key "userId:sessionId".
func (id SessionIdentity) Key() string {
	return id.UserID + ":" + id.SessionID
}

// Validate rejects identities without a user id.
func (id SessionIdentity) Validate() error {
	if strings.TrimSpace(id.UserID) == "" {
		return ErrSessionIdentityMissing
	}
	return nil
}

type identityKey struct{}

// WithIdentity returns a context carrying the caller identity. Tools read it
// to act on behalf of the user.
func WithIdentity(ctx context.Context, id SessionIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (SessionIdentity, bool) {
	id, ok := ctx.Value(identityKey{}).(SessionIdentity)
	return id, ok
}

// EnvelopeTimeLayout matches an ISO-8601 UTC timestamp with microseconds
// and an explicit +00:00 offset.
const EnvelopeTimeLayout = "2006-01-02T15:04:05.000000-07:00"

const envelopeTemplate = `User ID: {{ .UserID }}
User Name: {{ .UserName | default "Traveler" }}
User Context (non-hotel identifiers): {{ .UserName | default "Traveler" }} ({{ .UserID }})
UTC Time now:
{{ .Now }}

User Query:
{{ .Message }}`

// Envelope wraps raw user text with the caller metadata the model needs.
type Envelope struct {
	tmpl *template.Template
	now  func() time.Time
}

// EnvelopeOption configures an Envelope.
type EnvelopeOption func(*Envelope)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EnvelopeOption {
	return func(e *Envelope) { e.now = now }
}

// NewEnvelope builds the default envelope.
func NewEnvelope(opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		tmpl: template.Must(template.New("envelope").Funcs(sprig.TxtFuncMap()).Parse(envelopeTemplate)),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wrap renders the text that is persisted as the user message.
func (e *Envelope) Wrap(id SessionIdentity, text string) (string, error) {
	var buf bytes.Buffer
	err := e.tmpl.Execute(&buf, map[string]string{
		"UserID":   id.UserID,
		"UserName": id.UserName,
		"Now":      e.now().UTC().Format(EnvelopeTimeLayout),
		"Message":  text,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
