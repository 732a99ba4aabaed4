package partnermsg

import "strings"

// Classifier derives a sender class for incoming messages.
//
// An explicit role asserted by the server always wins. Without one, the
// classifier falls back to a best-effort heuristic over the declared sender
// type, the sender id/email and the display name. The heuristic is not a
// guarantee: anything without an admin signal is classified as a partner.
type Classifier struct {
	// AdminDomains are substrings that mark an id or email as staff-owned,
	// e.g. "@kyb-ops.example".
	AdminDomains []string
	// AdminNameFragments are lower-case fragments of staff display names.
	AdminNameFragments []string
}

var defaultClassifier = &Classifier{
	AdminDomains:       []string{"@admin.", ".admin@", "@support.", "@compliance."},
	AdminNameFragments: []string{"admin", "support team", "compliance", "onboarding team"},
}

// DefaultClassifier returns the classifier used when none is configured.
func DefaultClassifier() *Classifier {
	return defaultClassifier
}

// classify returns the sender class for a wire message.
func (c *Classifier) classify(d messageDTO) SenderClass {
	if c == nil {
		c = defaultClassifier
	}

	switch strings.ToLower(strings.TrimSpace(d.SenderRole)) {
	case "admin", "staff", "system":
		return SenderAdmin
	case "partner":
		return SenderPartner
	}

	if t := strings.ToLower(d.SenderType); strings.Contains(t, "admin") || strings.Contains(t, "staff") {
		return SenderAdmin
	}

	for _, field := range []string{d.SenderID, d.SenderEmail} {
		f := strings.ToLower(field)
		if f == "" {
			continue
		}
		for _, dom := range c.AdminDomains {
			if dom != "" && strings.Contains(f, strings.ToLower(dom)) {
				return SenderAdmin
			}
		}
	}

	name := strings.ToLower(d.SenderName)
	for _, frag := range c.AdminNameFragments {
		if frag != "" && strings.Contains(name, frag) {
			return SenderAdmin
		}
	}
	return SenderPartner
}
