package index

import "fmt"

// Sentinel errors surfaced through the public API. Callers match with
// errors.Is.
var (
	// ErrStaleIndex means the persisted source identity no longer matches
	// the data file.
	ErrStaleIndex = fmt.Errorf("index: stale index")

	// ErrMissingIndex means the sidecar is absent.
	ErrMissingIndex = fmt.Errorf("index: missing index")

	// ErrEmptyQuery means the query shredded to zero tokens.
	ErrEmptyQuery = fmt.Errorf("index: empty query")
)

// FormatError reports an unreadable source file or malformed sidecar.
type FormatError struct {
	Object string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("index: malformed %s: %s", e.Object, e.Reason)
}

// ConfigError reports invalid build or search configuration.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "index: " + e.Reason
}
