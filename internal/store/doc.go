// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// Two interfaces split the persistence surface:
//
//   - ConversationStore: runtime records for conversations (status, runtime
//     and session identifiers, urls)
//   - EventStore: the append-only, per-conversation ordered event log
//
// Store composes both with Ping and Close. SQLiteStore implements Store in a
// single struct; MockStore is an in-memory implementation for tests.
//
// # Event ids
//
// Each conversation has its own id sequence starting at 0. AppendEvents
// serializes writers per conversation with an in-process counter that is
// seeded from MAX(event_id)+1 on first use and only advanced after the batch
// commits. An event submitted with an explicit id replaces any stored event
// with that id, and the counter moves past it so later auto-assigned ids never
// collide.
//
// A composite id "<conversation_id>:<event_id>" addresses an event globally.
// Conversation ids may not contain the separator.
//
// # Reading
//
//   - SearchEvents: filtered, offset-paged reads ordered by
//     (timestamp, conversation_id, event_id); the page cursor is opaque
//   - ReadWindow: id-bounded reads used for live-session replay
//   - BatchGetEvents: composite id lookups, one query per conversation
//
// # SQLite Configuration
//
// Pragmas are set through the DSN so every pooled connection gets them:
//
//	journal_mode=WAL
//	foreign_keys=ON
//	busy_timeout=5000
//
// Write transactions begin IMMEDIATE. Timestamps are stored as Unix
// nanoseconds so range filters and sorting stay numeric.
//
// # Error Handling
//
//   - ErrNotFound: unknown conversation or event
//   - ErrInvalidArgument: empty kind, negative id, bad payload, malformed cursor
//   - ErrOutOfRange: search limit outside [MinPageLimit, MaxPageLimit]
//   - ErrDuplicateConversation: conversation id already taken
//
// Errors are wrapped with context; use errors.Is to test for them.
package store
