// Package signaling binds browser WebSocket connections to the matchmaking hub.
//
// Each connection is admitted on upgrade, receives lobby and pairing events,
// and relays offer/answer/candidate messages to its room partner. Closing the
// socket is an abrupt departure; a user-exit message is an explicit one.
package signaling
