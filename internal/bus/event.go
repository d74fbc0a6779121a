package bus

import "time"

// Event is a domain event published on the bus. Kinds are dotted
// namespaces: "chain.*" for raw gateway output, "message.*" and "user.*"
// for engine mutations, "session.*" and "sync.*" for lifecycle.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
