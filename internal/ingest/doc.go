// Package ingest turns inbound platform events and operator commands into
// ledger mutations.
//
// Platform events arrive as events.Event values keyed by "source:type" and
// are mapped onto built-in categories by Service.HandleEvent:
//
//   - twitch:cheer and the twitch bits power-ups register a cheer for the bits.
//   - streamelements:donation registers a donation for a known viewer only.
//   - follow events keep the supplied display name and profile picture.
//   - gifted subs credit the gifter with the sub count; anonymous gifts are
//     skipped.
//   - raids credit the raider with the viewer count.
//   - subs and gift upgrades register a sub.
//   - twitch:viewer-arrived registers vip and moderator credits from the
//     viewer's roles.
//
// Operator commands cover custom categories, manual and bulk registration,
// clearing, and the per-user block list. Consumer drains an events.Queue
// subscription into the same mapping.
package ingest
