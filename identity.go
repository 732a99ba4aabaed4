package partnermsg

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Identity is the current user as reported by the session provider.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

// IdentityProvider supplies the current user's identity. Implementations
// typically wrap the host application's session lookup.
type IdentityProvider interface {
	Identity(ctx context.Context) (Identity, error)
}

// StaticIdentity is an IdentityProvider that always returns itself.
type StaticIdentity Identity

func (s StaticIdentity) Identity(context.Context) (Identity, error) {
	return Identity(s), nil
}

// emailNamespace scopes name-based ids derived from email addresses.
var emailNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:partnermsg:email"))

// CanonicalUserID returns UserID when it is a canonical id. Otherwise it
// derives a stable placeholder from the lower-cased email (UUIDv5). The
// placeholder is not guaranteed to match anything the backend generates and
// should be replaced by a provider-issued id.
func (i Identity) CanonicalUserID() string {
	if IsCanonicalID(i.UserID) {
		return i.UserID
	}
	email := strings.ToLower(strings.TrimSpace(i.Email))
	if email == "" {
		return ""
	}
	return uuid.NewSHA1(emailNamespace, []byte(email)).String()
}

// headers returns the identity headers sent with requests and hub dials.
func (i Identity) headers() map[string]string {
	h := make(map[string]string, 3)
	if i.DisplayName != "" {
		h["X-User-Name"] = i.DisplayName
	}
	if i.Email != "" {
		h["X-User-Email"] = i.Email
	}
	if id := i.CanonicalUserID(); id != "" {
		h["X-User-ID"] = id
	}
	return h
}
