// Package olliebot implements OllieBot, a Discord chat bot for community
// servers.
//
// Messages starting with a guild's command prefix are routed by a
// Dispatcher to command groups, which parse arguments against compiled
// patterns and run each command behind guard middleware (owner-only,
// moderator-only, guild-only, or a channel permission). Guilds can block
// commands, rate limit them per member, and define custom text and image
// responses triggered by a command name or a keyword.
//
// Key components:
//
//   - Bot: owns the gateway session, database, guild records and
//     background workers.
//   - Dispatcher and CommandGroup: command routing and argument parsing.
//   - GuildStore and GuildRecord: per-guild settings, persisted with GORM
//     to sqlite or postgres.
//   - BirthdayBook and the birthday announcer: daily birthday messages.
//   - FeedLibrary and the feed poller: YouTube upload announcements.
//   - Paginator: reaction-driven embed menus.
//   - API: an admin HTTP API for bot state and guild settings.
//
// Bots sharing a postgres database are kept in sync with LISTEN/NOTIFY.
package olliebot
