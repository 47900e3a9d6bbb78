package model

import (
	"strings"
	"time"
)

// RetainedHandling is the MQTT5 SUBSCRIBE option controlling retained
// message replay.
type RetainedHandling uint8

const (
	SendAtSubscribe RetainedHandling = iota
	SendIfNotExists
	DoNotSend
)

// Subscription is keyed by (client_id, path) (section 3).
type Subscription struct {
	ClientID            string
	Path                string // raw filter, may be "$share/<group>/<filter>"
	QoS                 uint8
	NoLocal             bool
	RetainAsPublished   bool
	RetainedHandling    RetainedHandling
	SubscriptionID      uint32 // 0 means absent (MQTT5)
	CreatedAt           time.Time
	ProtocolVersion     uint8

	// Shared subscription decomposition, empty for exclusive subs.
	ShareGroup  string
	ShareFilter string
}

// IsShared reports whether Path is a $share/<group>/<filter> subscription.
func (s *Subscription) IsShared() bool {
	return s.ShareGroup != ""
}

// Filter returns the effective topic filter to match against (the
// decomposed share filter for shared subscriptions, or Path itself).
func (s *Subscription) Filter() string {
	if s.IsShared() {
		return s.ShareFilter
	}
	return s.Path
}

// ParseSharedSubscription splits "$share/<group>/<filter>" into its
// group and filter. ok is false (and an error-worthy state) for an
// empty group (spec boundary B3) or a malformed prefix.
func ParseSharedSubscription(path string) (group, filter string, isShared, ok bool) {
	const prefix = "$share/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false, true
	}
	rest := path[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", true, false
	}
	group = rest[:idx]
	filter = rest[idx+1:]
	if group == "" || filter == "" {
		return group, filter, true, false
	}
	return group, filter, true, true
}

// NewSubscription builds a Subscription from a raw SUBSCRIBE filter,
// decomposing shared-subscription syntax.
func NewSubscription(clientID, path string, qos uint8, noLocal, retainAsPublished bool, handling RetainedHandling, subID uint32, protocolVersion uint8) (*Subscription, bool) {
	group, filter, isShared, ok := ParseSharedSubscription(path)
	sub := &Subscription{
		ClientID:          clientID,
		Path:              path,
		QoS:               qos,
		NoLocal:           noLocal,
		RetainAsPublished: retainAsPublished,
		RetainedHandling:  handling,
		SubscriptionID:    subID,
		CreatedAt:         time.Now(),
		ProtocolVersion:   protocolVersion,
	}
	if isShared {
		sub.ShareGroup = group
		sub.ShareFilter = filter
	}
	return sub, ok
}
