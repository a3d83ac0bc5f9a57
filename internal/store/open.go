package store

import "strings"

// Open selects a Store binding from a store.url value: empty or
// "memory://" for the in-process store, "nats://..." for the JetStream
// KV binding, "sqlite://path" (or a bare filesystem path) for the
// embedded SQL binding.
func Open(url string) (Store, error) {
	switch {
	case url == "" || url == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "nats://"):
		return OpenNATSKVStore(url, "taskmesh")
	case strings.HasPrefix(url, "sqlite://"):
		return OpenSQLStore(strings.TrimPrefix(url, "sqlite://"))
	default:
		return OpenSQLStore(url)
	}
}
