package dbus

import (
	"fmt"
	"strings"
)

// MatchRule filters signal delivery by type/path/interface/member/sender,
// and optionally arg0 — grounded on the teacher's matchrule.go, extended
// with Arg0 (used by proxy.go's NameOwnerChanged watches).
type MatchRule struct {
	Type      MessageType
	Sender    string
	Path      ObjectPath
	Interface string
	Member    string
	Arg0      string
}

// String renders the rule as the daemon's AddMatch/RemoveMatch argument.
func (r *MatchRule) String() string {
	parts := make([]string, 0, 6)
	if r.Type != TypeInvalid {
		parts = append(parts, fmt.Sprintf("type='%s'", r.Type))
	}
	if r.Sender != "" {
		parts = append(parts, fmt.Sprintf("sender='%s'", r.Sender))
	}
	if r.Path != "" {
		parts = append(parts, fmt.Sprintf("path='%s'", r.Path))
	}
	if r.Interface != "" {
		parts = append(parts, fmt.Sprintf("interface='%s'", r.Interface))
	}
	if r.Member != "" {
		parts = append(parts, fmt.Sprintf("member='%s'", r.Member))
	}
	if r.Arg0 != "" {
		parts = append(parts, fmt.Sprintf("arg0='%s'", r.Arg0))
	}
	return strings.Join(parts, ",")
}

// key identifies the (path, interface, member) bucket spec.md §4.1 uses to
// fan signals out to subscribers.
type matchKey struct {
	Path      ObjectPath
	Interface string
	Member    string
}

func (r *MatchRule) key() matchKey {
	return matchKey{Path: r.Path, Interface: r.Interface, Member: r.Member}
}

func (r *MatchRule) matches(msg *Message) bool {
	if r.Type != TypeInvalid && r.Type != msg.Type {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Arg0 != "" {
		if len(msg.Body) == 0 {
			return false
		}
		arg0, ok := msg.Body[0].(string)
		if !ok || arg0 != r.Arg0 {
			return false
		}
	}
	return true
}

// SignalCallback receives a matched signal message.
type SignalCallback func(*Message)

// MatchSubscription is the caller-visible handle returned by
// Router.AddMatch; Cancel (via Router.RemoveMatch) decrements the
// reference count on the underlying daemon-side match.
type MatchSubscription struct {
	rule *MatchRule
	cb   SignalCallback
	key  matchKey
}

// matchEntry is one registered (rule, callback) pair kept inside the
// router's per-key bucket, along with its rule string; matchTable keeps the
// reference count of identical rule strings sharing a single daemon-side
// AddMatch (spec.md §5).
type matchEntry struct {
	sub  *MatchSubscription
	rule string
}

// matchTable indexes subscriptions by (path, interface, member), mirroring
// the teacher's signalWatchSet, and tracks per-rule-string refcounts.
type matchTable struct {
	byKey    map[matchKey][]*matchEntry
	refcount map[string]int
}

func newMatchTable() *matchTable {
	return &matchTable{
		byKey:    make(map[matchKey][]*matchEntry),
		refcount: make(map[string]int),
	}
}

func (t *matchTable) add(sub *MatchSubscription) (daemonRuleNeeded bool) {
	ruleStr := sub.rule.String()
	t.refcount[ruleStr]++
	entry := &matchEntry{sub: sub, rule: ruleStr}
	t.byKey[sub.key] = append(t.byKey[sub.key], entry)
	return t.refcount[ruleStr] == 1
}

func (t *matchTable) remove(sub *MatchSubscription) (daemonRuleNoLongerNeeded bool) {
	ruleStr := sub.rule.String()
	entries := t.byKey[sub.key]
	for i, e := range entries {
		if e.sub == sub {
			entries[i] = entries[len(entries)-1]
			t.byKey[sub.key] = entries[:len(entries)-1]
			break
		}
	}
	if len(t.byKey[sub.key]) == 0 {
		delete(t.byKey, sub.key)
	}
	if t.refcount[ruleStr] > 0 {
		t.refcount[ruleStr]--
	}
	if t.refcount[ruleStr] == 0 {
		delete(t.refcount, ruleStr)
		return true
	}
	return false
}

// findMatches returns every subscription whose rule matches msg, probing
// the wildcard ("") and exact buckets for path/interface/member the way
// the teacher's signalWatchSet.FindMatches does.
func (t *matchTable) findMatches(msg *Message) []*MatchSubscription {
	paths := []ObjectPath{""}
	if msg.Path != "" {
		paths = append(paths, msg.Path)
	}
	ifaces := []string{""}
	if msg.Interface != "" {
		ifaces = append(ifaces, msg.Interface)
	}
	members := []string{""}
	if msg.Member != "" {
		members = append(members, msg.Member)
	}
	var out []*MatchSubscription
	for _, p := range paths {
		for _, i := range ifaces {
			for _, m := range members {
				for _, e := range t.byKey[matchKey{p, i, m}] {
					if e.sub.rule.matches(msg) {
						out = append(out, e.sub)
					}
				}
			}
		}
	}
	return out
}
