package arp

import (
	"net/netip"

	"github.com/rennerdo30/tapstack/internal/frame"
)

// DefaultPendingSlots is the number of sends that can wait for resolution.
const DefaultPendingSlots = 4

// PendingSend is an outbound packet waiting for its destination to resolve.
// Payload is only meaningful while Occupied is true.
type PendingSend struct {
	IP        netip.Addr
	EtherType frame.EtherType
	Payload   []byte
	Occupied  bool
}

// PendingQueue is a fixed set of slots holding sends awaiting resolution.
// When every slot is occupied the next send overwrites slot 0.
type PendingQueue struct {
	slots []PendingSend
}

// NewPendingQueue creates a queue with n slots.
func NewPendingQueue(n int) *PendingQueue {
	if n <= 0 {
		n = DefaultPendingSlots
	}
	return &PendingQueue{slots: make([]PendingSend, n)}
}

// Enqueue stores a copy of payload in the first free slot, or in slot 0 when
// the queue is saturated. It reports the slot used and whether an occupied
// send was discarded to make room.
func (q *PendingQueue) Enqueue(ip netip.Addr, etherType frame.EtherType, payload []byte) (slot int, overwrote bool) {
	slot = -1
	for i := range q.slots {
		if !q.slots[i].Occupied {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = 0
		overwrote = true
	}

	q.slots[slot] = PendingSend{
		IP:        ip,
		EtherType: etherType,
		Payload:   append([]byte(nil), payload...),
		Occupied:  true,
	}
	return slot, overwrote
}

// release frees slot i and returns the send it held.
func (q *PendingQueue) release(i int) PendingSend {
	p := q.slots[i]
	q.slots[i] = PendingSend{}
	return p
}

// Clear frees every slot.
func (q *PendingQueue) Clear() {
	for i := range q.slots {
		q.slots[i] = PendingSend{}
	}
}

// Slots returns a copy of every slot, free ones included.
func (q *PendingQueue) Slots() []PendingSend {
	out := make([]PendingSend, len(q.slots))
	for i, s := range q.slots {
		out[i] = s
		out[i].Payload = append([]byte(nil), s.Payload...)
	}
	return out
}

// Len returns the number of occupied slots.
func (q *PendingQueue) Len() int {
	n := 0
	for _, s := range q.slots {
		if s.Occupied {
			n++
		}
	}
	return n
}

// Capacity returns the number of slots.
func (q *PendingQueue) Capacity() int {
	return len(q.slots)
}
