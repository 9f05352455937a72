package olliebot

import (
	"context"
	"math"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolverContext(t testing.TB) (*CommandContext, *mockDiscordSession) {
	t.Helper()
	bot, session := newTestBot(t)
	return &CommandContext{Bot: bot, Message: newGuildMessage(testUserID, "")}, session
}

func TestResolveMember(t *testing.T) {
	cc, _ := newResolverContext(t)
	ctx := context.Background()

	tests := []struct {
		token    string
		expected string
	}{
		{token: "<@" + testModID + ">", expected: testModID},
		{token: "<@!" + testModID + ">", expected: testModID},
		{token: testAdminID, expected: testAdminID},
		{token: "sam", expected: testUserID},
		{token: "Sammy", expected: testUserID},
		{token: "modder#0002", expected: testModID},
		{token: "modder#9999"},
		{token: "<@200000000000000077>"},
		{token: "nobody"},
	}
	for _, tc := range tests {
		t.Run(
			tc.token, func(t *testing.T) {
				got := resolveMember(ctx, cc, tc.token)
				if tc.expected == "" {
					assert.Nil(t, got)
					return
				}
				member, ok := got.(*discordgo.Member)
				require.True(t, ok)
				assert.Equal(t, tc.expected, member.User.ID)
			},
		)
	}

	t.Run(
		"direct message", func(t *testing.T) {
			dm := &CommandContext{Bot: cc.Bot, Message: newDirectMessage(testUserID, "")}
			assert.Nil(t, resolveMember(ctx, dm, "sam"))
		},
	)
}

func TestMemberName(t *testing.T) {
	tests := []struct {
		name     string
		member   *discordgo.Member
		expected string
	}{
		{
			name:     "nickname",
			member:   &discordgo.Member{Nick: "Sammy", User: &discordgo.User{Username: "sam", GlobalName: "Samantha"}},
			expected: "Sammy",
		},
		{
			name:     "global name",
			member:   &discordgo.Member{User: &discordgo.User{Username: "sam", GlobalName: "Samantha"}},
			expected: "Samantha",
		},
		{
			name:     "username",
			member:   &discordgo.Member{User: &discordgo.User{Username: "modder"}},
			expected: "modder",
		},
		{name: "no user", member: &discordgo.Member{}, expected: ""},
		{name: "nil", expected: ""},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, memberName(tc.member))
			},
		)
	}
}

func TestMatchMemberByName(t *testing.T) {
	first := &discordgo.Member{User: &discordgo.User{ID: "1", Username: "alex", Discriminator: "0001"}, Nick: "bee"}
	second := &discordgo.Member{User: &discordgo.User{ID: "2", Username: "bee", Discriminator: "0002"}}
	members := []*discordgo.Member{first, second}

	// usernames are checked before nicknames
	assert.Same(t, second, matchMemberByName(members, "bee"))
	assert.Same(t, first, matchMemberByName(members, "alex"))
	assert.Same(t, first, matchMemberByName(members, "alex#0001"))
	assert.Nil(t, matchMemberByName(members, "alex#0002"))
	assert.Nil(t, matchMemberByName(members, "#0001"))
}

func TestResolveRole(t *testing.T) {
	cc, _ := newResolverContext(t)
	ctx := context.Background()

	tests := []struct {
		token    string
		expected string
	}{
		{token: "<@&" + testModRoleID + ">", expected: testModRoleID},
		{token: testAdminRole, expected: testAdminRole},
		{token: "Members", expected: testPlainRole},
		{token: "members"},
		{token: "<@&300000000000000099>"},
	}
	for _, tc := range tests {
		t.Run(
			tc.token, func(t *testing.T) {
				got := resolveRole(ctx, cc, tc.token)
				if tc.expected == "" {
					assert.Nil(t, got)
					return
				}
				role, ok := got.(*discordgo.Role)
				require.True(t, ok)
				assert.Equal(t, tc.expected, role.ID)
			},
		)
	}
}

func TestResolveChannels(t *testing.T) {
	cc, _ := newResolverContext(t)
	ctx := context.Background()
	const voiceID = "100000000000000004"

	tests := []struct {
		name     string
		kind     SlotKind
		token    string
		expected string
	}{
		{name: "text mention", kind: SlotTextChannel, token: "<#" + testChannelID + ">", expected: testChannelID},
		{name: "text id", kind: SlotTextChannel, token: testAuditID, expected: testAuditID},
		{name: "text name", kind: SlotTextChannel, token: "general", expected: testChannelID},
		{name: "voice as text", kind: SlotTextChannel, token: "voice"},
		{name: "voice name", kind: SlotVoiceChannel, token: "voice", expected: voiceID},
		{name: "text as voice", kind: SlotVoiceChannel, token: "<#" + testChannelID + ">"},
		{name: "category", kind: SlotCategoryChannel, token: "general"},
		{name: "unknown", kind: SlotTextChannel, token: "<#100000000000000099>"},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				got := resolvers[tc.kind](ctx, cc, tc.token)
				if tc.expected == "" {
					assert.Nil(t, got)
					return
				}
				channel, ok := got.(*discordgo.Channel)
				require.True(t, ok)
				assert.Equal(t, tc.expected, channel.ID)
			},
		)
	}

	t.Run(
		"direct message searches all guilds", func(t *testing.T) {
			dm := &CommandContext{Bot: cc.Bot, Message: newDirectMessage(testUserID, "")}
			byName, ok := resolvers[SlotTextChannel](ctx, dm, "audit").(*discordgo.Channel)
			require.True(t, ok)
			assert.Equal(t, testAuditID, byName.ID)

			byMention, ok := resolvers[SlotTextChannel](ctx, dm, "<#"+testChannelID+">").(*discordgo.Channel)
			require.True(t, ok)
			assert.Equal(t, testChannelID, byMention.ID)
		},
	)
}

func TestResolveEmoji(t *testing.T) {
	cc, _ := newResolverContext(t)
	ctx := context.Background()

	tests := []struct {
		token    string
		expected *Emoji
	}{
		{
			token:    "<:ollie:400000000000000001>",
			expected: &Emoji{ID: "400000000000000001", Name: "ollie"},
		},
		{
			token:    "400000000000000002",
			expected: &Emoji{ID: "400000000000000002", Name: "dance", Animated: true},
		},
		{
			token:    "dance",
			expected: &Emoji{ID: "400000000000000002", Name: "dance", Animated: true},
		},
		{token: "😀", expected: &Emoji{Name: "😀"}},
		{token: "❤️", expected: &Emoji{Name: "❤️"}},
		{token: "<:gone:400000000000000099>"},
		{token: "party"},
		{token: "😀😀"},
	}
	for _, tc := range tests {
		t.Run(
			tc.token, func(t *testing.T) {
				got := resolveEmoji(ctx, cc, tc.token)
				if tc.expected == nil {
					assert.Nil(t, got)
					return
				}
				assert.Equal(t, *tc.expected, got)
			},
		)
	}
}

func TestIsUnicodeEmoji(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{input: "😀", expected: true},
		{input: "❤️", expected: true},
		{input: "❤", expected: true},
		{input: "", expected: false},
		{input: "a", expected: false},
		{input: "😀a", expected: false},
		{input: "😀😀", expected: false},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				assert.Equal(t, tc.expected, isUnicodeEmoji(tc.input))
			},
		)
	}
}

func TestEmojiFormats(t *testing.T) {
	unicode := Emoji{Name: "😀"}
	custom := Emoji{ID: "1", Name: "ollie"}
	animated := Emoji{ID: "2", Name: "dance", Animated: true}

	assert.True(t, unicode.IsUnicode())
	assert.False(t, custom.IsUnicode())

	assert.Equal(t, "😀", unicode.APIName())
	assert.Equal(t, "ollie:1", custom.APIName())

	assert.Equal(t, "😀", unicode.MessageFormat())
	assert.Equal(t, "<:ollie:1>", custom.MessageFormat())
	assert.Equal(t, "<a:dance:2>", animated.MessageFormat())
}

func TestResolveInvite(t *testing.T) {
	cc, session := newResolverContext(t)
	ctx := context.Background()
	session.mu.Lock()
	session.invites["ollie"] = &discordgo.Invite{Code: "ollie"}
	session.mu.Unlock()

	for _, token := range []string{"ollie", "https://discord.gg/ollie", "discord.com/invite/ollie/"} {
		t.Run(
			token, func(t *testing.T) {
				invite, ok := resolveInvite(ctx, cc, token).(*discordgo.Invite)
				require.True(t, ok)
				assert.Equal(t, "ollie", invite.Code)
			},
		)
	}
	assert.Nil(t, resolveInvite(ctx, cc, "https://discord.gg/missing"))
}

func TestResolveMessage(t *testing.T) {
	cc, session := newResolverContext(t)
	ctx := context.Background()
	const (
		localID = "600000000000000001"
		otherID = "600000000000000002"
	)
	session.seedMessage(&discordgo.Message{ID: localID, ChannelID: testChannelID, Content: "here"})
	session.seedMessage(&discordgo.Message{ID: otherID, ChannelID: testAuditID, Content: "there"})

	tests := []struct {
		token    string
		expected string
	}{
		{token: localID, expected: "here"},
		{token: testAuditID + "-" + otherID, expected: "there"},
		{
			token:    "https://discord.com/channels/" + testGuildID + "/" + testAuditID + "/" + otherID,
			expected: "there",
		},
		{
			token:    "https://canary.discordapp.com/channels/@me/" + testChannelID + "/" + localID,
			expected: "here",
		},
		{token: otherID},
		{token: "600000000000000099"},
		{token: "not a message"},
	}
	for _, tc := range tests {
		t.Run(
			tc.token, func(t *testing.T) {
				got := resolveMessage(ctx, cc, tc.token)
				if tc.expected == "" {
					assert.Nil(t, got)
					return
				}
				msg, ok := got.(*discordgo.Message)
				require.True(t, ok)
				assert.Equal(t, tc.expected, msg.Content)
			},
		)
	}
}

func TestResolveNumberAndColor(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 5.0, resolveNumber(ctx, nil, "5"))
	assert.Equal(t, -2.5, resolveNumber(ctx, nil, "-2.5"))
	n, ok := resolveNumber(ctx, nil, "five").(float64)
	require.True(t, ok)
	assert.True(t, math.IsNaN(n))

	assert.Equal(t, Color(0xff0000), resolveColor(ctx, nil, "red"))
	assert.Nil(t, resolveColor(ctx, nil, "not a color"))
}

func TestArguments(t *testing.T) {
	args := Arguments{"hello", 3.0, nil, Color(0xff0000)}
	assert.Equal(t, 4, args.Len())

	s, ok := args.String(0)
	assert.True(t, ok)
	assert.Equal(t, "hello", s)
	_, ok = args.String(1)
	assert.False(t, ok)

	n, ok := args.Number(1)
	assert.True(t, ok)
	assert.Equal(t, 3.0, n)

	assert.False(t, args.Present(2))
	assert.False(t, args.Present(-1))
	assert.False(t, args.Present(10))
	assert.Nil(t, args.Member(2))
	assert.Nil(t, args.Role(0))
	assert.Nil(t, args.Channel(10))
	assert.Nil(t, args.Message(0))
	assert.Nil(t, args.Invite(0))

	c, ok := args.Color(3)
	assert.True(t, ok)
	assert.Equal(t, Color(0xff0000), c)
	_, ok = args.Emoji(3)
	assert.False(t, ok)
}
