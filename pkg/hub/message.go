// Package hub fans messages out to websocket clients.
//
// One goroutine owns the client set; producers hand messages to it over a
// channel and each client has its own write goroutine, so a slow client
// never blocks the producer.
package hub

// Message is one broadcast unit, sent as a text frame.
type Message struct {
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Data: data}
}
