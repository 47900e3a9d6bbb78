package model

// ResourceType names what an ACLRule applies to.
type ResourceType uint8

const (
	ResourceUser ResourceType = iota
	ResourceClientID
)

// Action is the operation an ACLRule governs.
type Action uint8

const (
	ActionPublish Action = iota
	ActionSubscribe
	ActionAll
)

// Permission is the rule's verdict.
type Permission uint8

const (
	PermissionAllow Permission = iota
	PermissionDeny
)

// ACLRule is evaluated on CONNECT, PUBLISH, and SUBSCRIBE (section 3).
// Deny beats Allow; default is allow when no rule matches.
type ACLRule struct {
	ResourceType ResourceType
	ResourceName string
	TopicFilter  string
	IP           string
	Action       Action
	Permission   Permission
}

// Matches reports whether the rule applies to the given resource name,
// action, and topic. IP matching, when the rule specifies one, is the
// caller's responsibility (compared against the connection's remote
// address) since ACLRule itself has no network awareness.
func (r *ACLRule) Matches(resourceName, topic string, action Action) bool {
	if r.ResourceName != resourceName {
		return false
	}
	if r.Action != ActionAll && r.Action != action {
		return false
	}
	return TopicFilterMatches(r.TopicFilter, topic)
}

// RewriteAction scopes which direction a RewriteRule applies to.
type RewriteAction uint8

const (
	RewriteAll RewriteAction = iota
	RewritePublish
	RewriteSubscribe
)

// RewriteRule transforms a client-supplied topic or filter via regex
// substitution (section 3, GLOSSARY "Topic rewrite"). Rules are
// applied in Timestamp order; the last matching rule wins.
type RewriteRule struct {
	Action       RewriteAction
	SourceFilter string
	DestTemplate string
	Regex        string
	Timestamp    int64
}
