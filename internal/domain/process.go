package domain

// HandshakeMode selects how the session identifier is established.
type HandshakeMode string

const (
	// HandshakePoll launches without an identifier and polls the agent with
	// get_state requests; follow-ups resume the given session directly.
	HandshakePoll HandshakeMode = "poll"
	// HandshakeInline pre-generates the identifier and passes it on the
	// command line; follow-ups run against a forked copy of the session.
	HandshakeInline HandshakeMode = "inline"
)

// Valid reports whether m is a known handshake mode.
func (m HandshakeMode) Valid() bool {
	return m == HandshakePoll || m == HandshakeInline
}

// Availability reports whether the agent appears to be installed.
type Availability string

const (
	AvailabilityInstallationFound Availability = "installation_found"
	AvailabilityNotFound          Availability = "not_found"
)
