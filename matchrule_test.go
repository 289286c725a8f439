package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRuleString(t *testing.T) {
	rule := &MatchRule{Type: TypeSignal, Interface: busDaemonIface, Member: "Foo", Path: "/bar/foo"}
	assert.Equal(t, "type='signal',path='/bar/foo',interface='org.freedesktop.DBus',member='Foo'", rule.String())
}

func TestMatchRuleMatches(t *testing.T) {
	rule := &MatchRule{Type: TypeSignal, Interface: "com.example.Foo", Member: "Bar"}
	hit := &Message{Type: TypeSignal, Interface: "com.example.Foo", Member: "Bar"}
	miss := &Message{Type: TypeSignal, Interface: "com.example.Foo", Member: "Baz"}
	assert.True(t, rule.matches(hit))
	assert.False(t, rule.matches(miss))
}

func TestMatchRuleArg0(t *testing.T) {
	rule := &MatchRule{Arg0: "com.example.Target"}
	hit := &Message{Body: []interface{}{"com.example.Target", "", ":1.1"}}
	miss := &Message{Body: []interface{}{"com.example.Other"}}
	assert.True(t, rule.matches(hit))
	assert.False(t, rule.matches(miss))
}

// TestMatchTableRefcounting exercises spec.md §5's "adding the same
// (rule, key) twice yields two callbacks but a single daemon-side match;
// removing decrements, and only the last removal issues RemoveMatch."
func TestMatchTableRefcounting(t *testing.T) {
	table := newMatchTable()
	rule := &MatchRule{Type: TypeSignal, Path: "/a", Interface: "com.example.Foo", Member: "Changed"}

	subA := &MatchSubscription{rule: rule, key: rule.key()}
	subB := &MatchSubscription{rule: rule, key: rule.key()}

	require.True(t, table.add(subA), "first subscriber needs the daemon-side AddMatch")
	require.False(t, table.add(subB), "second subscriber reuses the existing daemon-side match")

	msg := &Message{Type: TypeSignal, Path: "/a", Interface: "com.example.Foo", Member: "Changed"}
	matches := table.findMatches(msg)
	assert.Len(t, matches, 2)

	require.False(t, table.remove(subA), "one subscriber remains, no RemoveMatch yet")
	require.True(t, table.remove(subB), "last subscriber triggers RemoveMatch")
}

func TestMatchTableWildcardBuckets(t *testing.T) {
	table := newMatchTable()
	rule := &MatchRule{Type: TypeSignal}
	sub := &MatchSubscription{rule: rule, key: rule.key()}
	table.add(sub)

	msg := &Message{Type: TypeSignal, Path: "/anything", Interface: "any.iface", Member: "AnyMember"}
	assert.Len(t, table.findMatches(msg), 1)
}
