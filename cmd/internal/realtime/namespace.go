package realtime

import (
	"net/url"
	"strings"
)

// NamespaceKind distinguishes data subscriptions from presence subscriptions.
type NamespaceKind uint8

const (
	// NamespaceBranch receives update data for a branch.
	NamespaceBranch NamespaceKind = iota + 1
	// NamespaceWatchedBranch receives presence events for a branch.
	NamespaceWatchedBranch
)

func (k NamespaceKind) prefix() string {
	switch k {
	case NamespaceWatchedBranch:
		return "watched_branch"
	default:
		return "branch"
	}
}

func (k NamespaceKind) String() string { return k.prefix() }

// BranchKey scopes a branch by record, inst and name.
// An empty RecordName denotes a public inst.
type BranchKey struct {
	RecordName string
	Inst       string
	Branch     string
}

// DataNamespace is the namespace data watchers subscribe to.
func (k BranchKey) DataNamespace() string { return k.namespace(NamespaceBranch) }

// PresenceNamespace is the namespace presence watchers subscribe to.
func (k BranchKey) PresenceNamespace() string { return k.namespace(NamespaceWatchedBranch) }

func (k BranchKey) namespace(kind NamespaceKind) string {
	var b strings.Builder
	b.WriteString(kind.prefix())
	for _, part := range []string{k.RecordName, k.Inst, k.Branch} {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(part))
	}
	return b.String()
}
