package capture

import "time"

// Layer is one decoded protocol layer. Field shapes vary by protocol.
type Layer struct {
	Name   string
	Fields map[string]any
}

// PacketRecord is one decoded packet.
type PacketRecord struct {
	// Sequence is 1-based and strictly increasing within a session
	Sequence uint64
	// Source is the replayed file path or the interface name
	Source string
	// Session identifies the capture session that produced the record
	Session string
	// Timestamp is the capture time, zero when the decoder did not supply one
	Timestamp time.Time
	// Layers in wire order, outermost first
	Layers []Layer
}

// Protocols returns the layer names in order.
func (r PacketRecord) Protocols() []string {
	names := make([]string, 0, len(r.Layers))
	for _, l := range r.Layers {
		names = append(names, l.Name)
	}
	return names
}

// Interface is a capture-capable network interface.
type Interface struct {
	// Index is the tool's interface number, 0 when not reported
	Index       int
	Name        string
	Description string
	Addresses   []string
}
