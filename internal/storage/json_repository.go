package storage

// NewJSONRepository opens the file-backed datastore at path and exposes it
// through the Repository interface.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}
