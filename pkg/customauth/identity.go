package customauth

import "time"

// Identity is the authenticated result of a completed session.
type Identity struct {
	Username        string
	IdentityID      string
	IDToken         string
	AccessToken     string
	Attributes      map[string]string
	AuthenticatedAt time.Time
}

// Logins maps the identity provider name to the ID token, the form
// credential exchanges expect.
func (id Identity) Logins(providerName string) map[string]string {
	if id.IDToken == "" || providerName == "" {
		return map[string]string{}
	}
	return map[string]string{providerName: id.IDToken}
}

// Attribute returns one user attribute.
func (id Identity) Attribute(name string) (string, bool) {
	v, ok := id.Attributes[name]
	return v, ok
}

func (id Identity) clone() Identity {
	out := id
	if id.Attributes != nil {
		out.Attributes = make(map[string]string, len(id.Attributes))
		for k, v := range id.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
