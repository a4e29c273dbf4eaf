package realtime

import "fmt"

// Merger collapses an ordered sequence of CRDT updates into one equivalent
// update. Implementations wrap the CRDT library (Yjs-compatible encoders);
// the server never interprets update bytes itself.
type Merger interface {
	MergeUpdates(updates []string) (string, error)
}

// MergerFunc adapts a function to Merger.
type MergerFunc func(updates []string) (string, error)

// MergeUpdates calls f.
func (f MergerFunc) MergeUpdates(updates []string) (string, error) { return f(updates) }

// safeMerge runs m and converts a panic inside the library into an error.
func safeMerge(m Merger, updates []string) (merged string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("merge panicked: %v", r)
		}
	}()
	return m.MergeUpdates(updates)
}
