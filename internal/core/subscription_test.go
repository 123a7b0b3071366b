package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionExactAndWildcard(t *testing.T) {
	r := NewSubscriptionRegistry()
	r.Subscribe("c1", []string{"counter"})
	require.True(t, r.IsSubscribedToKey("c1", "counter"))
	require.False(t, r.IsSubscribedToKey("c1", "other"))

	r.Subscribe("c2", []string{"*"})
	require.True(t, r.IsSubscribedToKey("c2", "anything.at.all"))
}

func TestSubscriptionDottedPrefixIsBidirectional(t *testing.T) {
	r := NewSubscriptionRegistry()
	r.Subscribe("c1", []string{"user"})
	require.True(t, r.IsSubscribedToKey("c1", "user.profile.name"), "subscribing to a prefix covers its descendants")

	r.Subscribe("c2", []string{"user.profile.name"})
	require.True(t, r.IsSubscribedToKey("c2", "user"), "subscribing to a descendant covers its ancestor")

	require.False(t, r.IsSubscribedToKey("c1", "users"), "dotted-prefix match requires a full path segment")
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	r := NewSubscriptionRegistry()
	r.Subscribe("c1", []string{"a", "b"})
	r.Unsubscribe("c1", []string{"a"})
	require.False(t, r.IsSubscribedToKey("c1", "a"))
	require.True(t, r.IsSubscribedToKey("c1", "b"))

	r.Unsubscribe("c1", nil)
	require.Empty(t, r.SubscriptionsFor("c1"))
	require.NotContains(t, r.AllClients(), ClientID("c1"))
}

func TestGetSubscribedClients(t *testing.T) {
	r := NewSubscriptionRegistry()
	r.Subscribe("c1", []string{"counter"})
	r.Subscribe("c2", []string{"other"})
	r.Subscribe("c3", []string{"*"})

	got := r.GetSubscribedClients([]string{"counter"})
	require.ElementsMatch(t, []ClientID{"c1", "c3"}, got)
}
