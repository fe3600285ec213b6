// Package matchmaking pairs anonymous clients into two-person rooms and relays
// WebRTC handshake messages between room occupants.
//
// All registry state (the live client set, the waiting pool and the room map)
// is owned by a single event loop (Hub.Run). Transports talk to the loop
// through Hub methods and receive server events through the Sender they
// registered at admission. Matcher holds the actual state machine and is not
// safe for concurrent use on its own.
//
// Pairing pops the two most recently queued clients. Language preferences are
// recorded on the Client but do not influence pairing.
//
// Room lifecycle:
//
//	active ──explicit exit──▶ removed now, survivors re-queued after the grace delay
//	active ──disconnect────▶ dissolving ──grace delay──▶ removed, partner re-queued
//
// A client is re-queued only if it is still connected when the grace delay
// elapses.
package matchmaking
