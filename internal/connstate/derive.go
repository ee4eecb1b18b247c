package connstate

// Derive maps a raw signal sample to the state it suggests. Rules are
// evaluated in order and the first match wins.
func Derive(s Signals) State {
	if s.SocketError {
		return StateError
	}

	switch s.Ready {
	case ReadyOpen:
		if s.CredentialID != "" && s.RemoteUserID != "" {
			return StateAuthenticated
		}
		return StateConnected
	case ReadyClosing, ReadyClosed:
		// Before the first authentication a closed socket is still part of
		// the initial handshake, not a failure.
		if s.WasAuthenticated {
			return StateDisconnected
		}
		return StateConnecting
	default:
		return StateConnecting
	}
}

// Tally counts states into a Counts map with every known state present.
func Tally(states []State) Counts {
	c := make(Counts, len(States))
	for _, s := range States {
		c[s] = 0
	}
	for _, s := range states {
		c[s]++
	}
	return c
}
