package syncstate

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// BuildStoreFromDSN selects a backend by DSN scheme:
//
//	(none), file, sqlite  -> embedded SQLite at the given path
//	memory, mem, inmem    -> in-process store
//	postgres, postgresql  -> shared Postgres database
//
// Registered factories (see RegisterStoreFactory) take precedence over the
// built-in schemes.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenSQLite(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return filepath.Clean(raw), nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: dsn %q has no path", ErrInvalidInput, raw)
	}
	return filepath.Clean(path), nil
}
