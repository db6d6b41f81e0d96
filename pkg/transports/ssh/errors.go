package ssh

// TransportError is a failure of the SSH connection rather than of the
// command it carried. Op names the step: connect, session, exec, stage,
// sftp-init, healthcheck or disconnect.
type TransportError struct {
	Op  string
	Err error

	// IsTemporary marks dropped connections and dial failures, which the
	// plan executor retries.
	IsTemporary bool
	// IsAuthError marks rejected credentials and host key mismatches.
	IsAuthError bool
}

func (e *TransportError) Error() string { return "ssh " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary is consulted by the gateway when classifying runner errors.
func (e *TransportError) Temporary() bool { return e.IsTemporary }
