package auth

// Context carries the caller's credentials for one request. It is passed explicitly to
// every call against the attendance service; nothing reads tokens from globals.
type Context struct {
	Token   string
	Subject string
	Role    string
}

// FromToken builds a Context from a bearer token. Claims are informational only.
func FromToken(token string) Context {
	ac := Context{Token: token}
	if token == "" {
		return ac
	}
	if claims, err := Inspect(token); err == nil {
		ac.Subject = claims.Subject
		ac.Role = claims.Role
	}
	return ac
}

// Anonymous reports whether no token is present.
func (c Context) Anonymous() bool { return c.Token == "" }

// Authorization returns the header value for outgoing requests.
func (c Context) Authorization() string {
	if c.Token == "" {
		return ""
	}
	return "Bearer " + c.Token
}
