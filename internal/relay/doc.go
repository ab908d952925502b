// Package relay implements the signaling relay: a websocket hub that
// registers chat identities, announces the online roster and forwards
// negotiation messages between clients.
//
// The relay never inspects SDP or candidates; it only routes by the envelope's
// "to" field and stamps "from" with the sender's joined identity.
package relay
