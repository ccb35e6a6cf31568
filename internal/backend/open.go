package backend

import (
	"fmt"
)

// Backend kinds accepted by Open.
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open returns the backend of the given kind rooted at path.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "", KindFile:
		return OpenFile(path)
	case KindSQLite:
		return NewSQLiteBackend(DefaultSQLiteOptions(path))
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}
