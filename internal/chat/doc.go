// Package chat implements minicom, the support chat built on the broadcast
// layer.
//
// Every visitor owns a room named after their email. Visitor sessions join
// their room on connect; the admin session switches between rooms to read and
// answer conversations. Messages are persisted through domain.MessageStore
// before they are broadcast.
package chat
