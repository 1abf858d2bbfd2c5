package artifact

// Store persists session artifacts.
type Store interface {
	// Save stores or overwrites the artifact.
	Save(sessionID, name string, data []byte) error
	// Get returns the artifact or ErrNotFound.
	Get(sessionID, name string) ([]byte, error)
	// List returns the artifact names of the session, sorted.
	List(sessionID string) ([]string, error)
	// Delete removes the artifact or returns ErrNotFound.
	Delete(sessionID, name string) error
}
