// Package signaling defines the JSON messages exchanged through the relay and
// a reconnecting websocket client that carries them.
package signaling
