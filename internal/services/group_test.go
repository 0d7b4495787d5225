package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-chat/velora-backend/internal/hub"
	"github.com/velora-chat/velora-backend/internal/models"
)

// sessionT bundles a registered user's client and its recording connection.
type sessionT struct {
	cl   *hub.Client
	conn *recConn
}

func newSession(t *testing.T, c *Core, id, username string) *sessionT {
	t.Helper()
	cl, conn := registerUser(t, c, id, username)
	return &sessionT{cl: cl, conn: conn}
}

// makeGroup registers alice (creator), bob, and carol, and creates a group
// with all three.
func makeGroup(t *testing.T, c *Core) (alice, bob, carol *sessionT) {
	t.Helper()
	alice = newSession(t, c, "u1", "alice")
	bob = newSession(t, c, "u2", "bob")
	carol = newSession(t, c, "u3", "carol")

	err := c.CreateGroup(alice.cl, "u1", CreateGroupInput{ID: "g1", Name: "team", MemberIDs: []string{"u2", "u3"}})
	require.NoError(t, err)
	for _, s := range []*sessionT{alice, bob, carol} {
		s.conn.waitFor(t, "group_created")
	}
	return alice, bob, carol
}

func TestCreateGroup(t *testing.T) {
	c := newTestCore(t)
	_, bob, _ := makeGroup(t, c)

	data := eventData(t, bob.conn.waitFor(t, "group_created"))
	g := data["group"].(*models.GroupView)
	assert.Equal(t, "g1", g.ID)
	assert.Equal(t, "u1", g.CreatorID)
	assert.Equal(t, []string{"u1", "u2", "u3"}, g.MemberIDs)
	assert.Equal(t, []string{"u1"}, g.Admins, "the creator is the sole admin")
	assert.Equal(t, 0, g.UnreadCounts["u2"])
}

func TestCreateGroupFiltersMembers(t *testing.T) {
	c := newTestCore(t)
	alice := newSession(t, c, "u1", "alice")
	newSession(t, c, "u2", "bob")

	// Duplicates, the creator, and unknown ids are all dropped.
	err := c.CreateGroup(alice.cl, "u1", CreateGroupInput{Name: "team", MemberIDs: []string{"u2", "u2", "u1", "ghost"}})
	require.NoError(t, err)
	data := eventData(t, alice.conn.waitFor(t, "group_created"))
	assert.Equal(t, []string{"u1", "u2"}, data["group"].(*models.GroupView).MemberIDs)

	err = c.CreateGroup(alice.cl, "u1", CreateGroupInput{Name: "   "})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGroupMessageFlow(t *testing.T) {
	c := newTestCore(t)
	alice, bob, carol := makeGroup(t, c)

	err := c.SendGroupMessage(alice.cl, "u1", GroupMessageInput{ID: "gm1", GroupID: "g1", SenderID: "u1", Text: "hello team"})
	require.NoError(t, err)

	sent := eventData(t, alice.conn.waitFor(t, "group_message_sent"))
	msg := sent["message"].(*models.GroupMessage)
	assert.Equal(t, []string{"u1"}, msg.SeenBy, "the sender has seen their own message")

	for _, s := range []*sessionT{bob, carol} {
		data := eventData(t, s.conn.waitFor(t, "new_group_message"))
		assert.Equal(t, "gm1", data["message"].(*models.GroupMessage).ID)
		g := data["group"].(*models.GroupView)
		assert.Equal(t, 1, g.UnreadCounts["u2"])
		assert.Equal(t, 1, g.UnreadCounts["u3"])
		assert.Equal(t, 0, g.UnreadCounts["u1"])
		require.NotNil(t, g.LastMessage)
		assert.Equal(t, "gm1", g.LastMessage.ID)
	}
}

func TestGroupMessageRequiresMembership(t *testing.T) {
	c := newTestCore(t)
	alice := newSession(t, c, "u1", "alice")
	newSession(t, c, "u2", "bob")
	outsider := newSession(t, c, "u4", "dave")
	require.NoError(t, c.CreateGroup(alice.cl, "u1", CreateGroupInput{ID: "g1", Name: "team", MemberIDs: []string{"u2"}}))

	err := c.SendGroupMessage(outsider.cl, "u4", GroupMessageInput{GroupID: "g1", SenderID: "u4", Text: "let me in"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = c.SendGroupMessage(outsider.cl, "u4", GroupMessageInput{GroupID: "nope", SenderID: "u4", Text: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkGroupSeen(t *testing.T) {
	c := newTestCore(t)
	alice, bob, carol := makeGroup(t, c)
	require.NoError(t, c.SendGroupMessage(alice.cl, "u1", GroupMessageInput{ID: "gm1", GroupID: "g1", SenderID: "u1", Text: "hi"}))
	bob.conn.waitFor(t, "new_group_message")

	require.NoError(t, c.MarkGroupSeen(bob.cl, "u2", MarkGroupSeenInput{GroupID: "g1", UserID: "u2"}))

	unread := eventData(t, bob.conn.waitFor(t, "group_unread_updated"))
	assert.Equal(t, 0, unread["unreadCount"])
	for _, s := range []*sessionT{alice, bob, carol} {
		data := eventData(t, s.conn.waitFor(t, "group_messages_seen"))
		assert.Equal(t, []string{"gm1"}, data["messageIds"])
		assert.Equal(t, "u2", data["seenBy"])
	}
	c.store.View(func(st *models.State) {
		assert.ElementsMatch(t, []string{"u1", "u2"}, st.GroupMessages["g1"][0].SeenBy)
		assert.Equal(t, 1, st.Groups["g1"].UnreadCounts["u3"], "carol is untouched")
	})

	// Repeating the sweep transitions nothing and stays silent.
	require.NoError(t, c.MarkGroupSeen(bob.cl, "u2", MarkGroupSeenInput{GroupID: "g1", UserID: "u2"}))
	settle()
	assert.Len(t, bob.conn.ofType("group_unread_updated"), 1)
}

func TestMarkGroupMessagesSeenSelective(t *testing.T) {
	c := newTestCore(t)
	alice, bob, _ := makeGroup(t, c)
	require.NoError(t, c.SendGroupMessage(alice.cl, "u1", GroupMessageInput{ID: "gm1", GroupID: "g1", SenderID: "u1", Text: "one"}))
	require.NoError(t, c.SendGroupMessage(alice.cl, "u1", GroupMessageInput{ID: "gm2", GroupID: "g1", SenderID: "u1", Text: "two"}))

	err := c.MarkGroupMessagesSeen(bob.cl, "u2", MarkGroupMessagesSeenInput{GroupID: "g1", UserID: "u2", MessageIDs: []string{"gm1"}})
	require.NoError(t, err)
	unread := eventData(t, bob.conn.waitFor(t, "group_unread_updated"))
	assert.Equal(t, 1, unread["unreadCount"])
}

func TestEditGroupMessage(t *testing.T) {
	c := newTestCore(t)
	alice, bob, _ := makeGroup(t, c)
	require.NoError(t, c.SendGroupMessage(alice.cl, "u1", GroupMessageInput{ID: "gm1", GroupID: "g1", SenderID: "u1", Text: "hi"}))

	err := c.EditGroupMessage(bob.cl, "u2", EditGroupMessageInput{GroupID: "g1", MessageID: "gm1", NewText: "hacked"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, c.EditGroupMessage(alice.cl, "u1", EditGroupMessageInput{GroupID: "g1", MessageID: "gm1", NewText: "hello"}))
	data := eventData(t, bob.conn.waitFor(t, "group_message_edited"))
	assert.Equal(t, "hello", data["newText"])
	assert.True(t, data["message"].(*models.GroupMessage).IsEdited)
}

func TestDeleteGroupMessagesAuthorization(t *testing.T) {
	c := newTestCore(t)
	alice, bob, _ := makeGroup(t, c)
	require.NoError(t, c.SendGroupMessage(alice.cl, "u1", GroupMessageInput{ID: "gm1", GroupID: "g1", SenderID: "u1", Text: "from alice"}))
	require.NoError(t, c.SendGroupMessage(bob.cl, "u2", GroupMessageInput{ID: "gm2", GroupID: "g1", SenderID: "u2", Text: "from bob"}))

	// Bob is a plain member: he cannot delete alice's message, so nothing
	// happens.
	require.NoError(t, c.DeleteGroupMessages(bob.cl, "u2", DeleteGroupMessagesInput{GroupID: "g1", MessageIDs: []string{"gm1"}}))
	settle()
	assert.Empty(t, bob.conn.ofType("group_message_deleted"))

	// Alice is an admin: she may delete bob's.
	require.NoError(t, c.DeleteGroupMessages(alice.cl, "u1", DeleteGroupMessagesInput{GroupID: "g1", MessageIDs: []string{"gm2"}}))
	data := eventData(t, bob.conn.waitFor(t, "group_message_deleted"))
	assert.Equal(t, []string{"gm2"}, data["messageIds"])
	g := data["group"].(*models.GroupView)
	require.NotNil(t, g.LastMessage)
	assert.Equal(t, "gm1", g.LastMessage.ID, "last message falls back to the survivor")
}

func TestPinGroupMessageAdminOnly(t *testing.T) {
	c := newTestCore(t)
	alice, bob, _ := makeGroup(t, c)
	require.NoError(t, c.SendGroupMessage(alice.cl, "u1", GroupMessageInput{ID: "gm1", GroupID: "g1", SenderID: "u1", Text: "hi"}))

	err := c.PinGroupMessage(bob.cl, "u2", PinGroupMessageInput{GroupID: "g1", MessageID: "gm1", IsPinned: true})
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, c.PinGroupMessage(alice.cl, "u1", PinGroupMessageInput{GroupID: "g1", MessageID: "gm1", IsPinned: true}))
	data := eventData(t, bob.conn.waitFor(t, "group_message_pinned"))
	assert.Equal(t, []string{"gm1"}, data["group"].(*models.GroupView).PinnedMessageIDs)
}

func TestGroupMembership(t *testing.T) {
	c := newTestCore(t)
	alice, bob, _ := makeGroup(t, c)
	dave := newSession(t, c, "u4", "dave")

	err := c.AddGroupMember(bob.cl, "u2", GroupMemberInput{GroupID: "g1", UserID: "u4"})
	assert.ErrorIs(t, err, ErrUnauthorized, "only admins add members")

	require.NoError(t, c.AddGroupMember(alice.cl, "u1", GroupMemberInput{GroupID: "g1", UserID: "u4"}))
	data := eventData(t, dave.conn.waitFor(t, "group_updated"))
	assert.Contains(t, data["group"].(*models.GroupView).MemberIDs, "u4")

	// The creator cannot be removed, even by themselves.
	err = c.RemoveGroupMember(alice.cl, "u1", GroupMemberInput{GroupID: "g1", UserID: "u1"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// A member may leave; the removed user sees a null group.
	require.NoError(t, c.RemoveGroupMember(dave.cl, "u4", GroupMemberInput{GroupID: "g1", UserID: "u4"}))
	gone := eventData(t, dave.conn.waitCount(t, "group_updated", 2)[1])
	assert.Nil(t, gone["group"])
	c.store.View(func(st *models.State) {
		assert.NotContains(t, st.Groups["g1"].MemberIDs, "u4")
		_, tracked := st.Groups["g1"].UnreadCounts["u4"]
		assert.False(t, tracked)
	})
}

func TestSetGroupAdmin(t *testing.T) {
	c := newTestCore(t)
	alice, bob, carol := makeGroup(t, c)

	err := c.SetGroupAdmin(bob.cl, "u2", SetGroupAdminInput{GroupID: "g1", UserID: "u3", IsAdmin: true})
	assert.ErrorIs(t, err, ErrUnauthorized, "only the creator sets admins")

	require.NoError(t, c.SetGroupAdmin(alice.cl, "u1", SetGroupAdminInput{GroupID: "g1", UserID: "u2", IsAdmin: true}))
	data := eventData(t, carol.conn.waitFor(t, "group_updated"))
	assert.ElementsMatch(t, []string{"u1", "u2"}, data["group"].(*models.GroupView).Admins)

	err = c.SetGroupAdmin(alice.cl, "u1", SetGroupAdminInput{GroupID: "g1", UserID: "u1", IsAdmin: false})
	assert.ErrorIs(t, err, ErrUnauthorized, "the creator cannot be demoted")
}

func TestGroupReactionToggle(t *testing.T) {
	c := newTestCore(t)
	alice, bob, _ := makeGroup(t, c)
	require.NoError(t, c.SendGroupMessage(alice.cl, "u1", GroupMessageInput{ID: "gm1", GroupID: "g1", SenderID: "u1", Text: "hi"}))

	react := func(emoji string) {
		require.NoError(t, c.AddGroupReaction(bob.cl, "u2", GroupReactionInput{GroupID: "g1", MessageID: "gm1", UserID: "u2", Emoji: emoji}))
	}
	react("👍")
	first := eventData(t, alice.conn.waitFor(t, "group_reaction_updated"))
	assert.Equal(t, models.Reactions{{UserID: "u2", Emoji: "👍"}}, first["reactions"])

	react("👍")
	second := alice.conn.waitCount(t, "group_reaction_updated", 2)[1]
	assert.Empty(t, eventData(t, second)["reactions"])
}

func TestGroupTypingExcludesTyper(t *testing.T) {
	c := newTestCore(t)
	alice, bob, carol := makeGroup(t, c)

	require.NoError(t, c.GroupTyping(alice.cl, "u1", GroupTypingInput{GroupID: "g1", UserID: "u1", IsTyping: true}))
	for _, s := range []*sessionT{bob, carol} {
		data := eventData(t, s.conn.waitFor(t, "group_user_typing"))
		assert.Equal(t, "u1", data["userId"])
	}
	settle()
	assert.Empty(t, alice.conn.ofType("group_user_typing"))
}
