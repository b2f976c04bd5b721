package ring

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// BusState is the circulation state of a ring's bus
type BusState uint8

const (
	BusIdle BusState = iota
	BusCirculating
	BusAtExit
)

// String returns a human-readable bus state
func (s BusState) String() string {
	switch s {
	case BusIdle:
		return "idle"
	case BusCirculating:
		return "circulating"
	case BusAtExit:
		return "at-exit"
	default:
		return "unknown"
	}
}

// Handle is an opaque reference into the bus vault. Handles are random so
// their value says nothing about who wrote the seat or when.
type Handle uint64

type seat struct {
	handle Handle // zero when empty
	layers int
}

// SeatView is what a holder observes of one seat. Every seat except the
// viewer's own looks the same: a fixed-size token that changes with each
// re-wrap.
type SeatView struct {
	Index      int
	Ciphertext types.Hash
	Own        bool
	Occupied   bool // only meaningful when Own
}

// SeatState exposes the content of a seat without the request itself
type SeatState struct {
	Occupied bool
	Layers   int
}

// Bus is the layered, seat-structured carrier of one ring. Seat contents are
// handles into a vault that only the exit release dereferences.
type Bus struct {
	ringID int
	size   int
	seats  []seat
	vault  map[Handle]*types.PaymentRequest

	state  BusState
	exit   int    // ring position of the current exit
	holder int    // ring position currently holding the bus
	hops   int    // hops completed in the current circulation
	round  uint64 // completed circulations
	nonce  types.Hash

	processed bool // holder already unwrapped
	rng       *rand.Rand
}

// NewBus creates an idle bus with size seats
func NewBus(ringID, size int, rng *rand.Rand) *Bus {
	return &Bus{
		ringID: ringID,
		size:   size,
		seats:  make([]seat, size),
		vault:  make(map[Handle]*types.PaymentRequest),
		state:  BusIdle,
		rng:    rng,
	}
}

// Size returns the number of seats; it never changes
func (b *Bus) Size() int { return len(b.seats) }

// State returns the circulation state
func (b *Bus) State() BusState { return b.state }

// Holder returns the ring position holding the bus
func (b *Bus) Holder() int { return b.holder }

// Exit returns the ring position of the current exit
func (b *Bus) Exit() int { return b.exit }

// Round returns the number of completed circulations
func (b *Bus) Round() uint64 { return b.round }

// Nonce returns the current outer wrap nonce
func (b *Bus) Nonce() types.Hash { return b.nonce }

// Distance returns how many hops pos is past the exit
func (b *Bus) Distance(pos int) int {
	return ((pos-b.exit)%b.size + b.size) % b.size
}

// HopsToExit returns the hops the bus still travels from pos to the exit
func (b *Bus) HopsToExit(pos int) int {
	return b.size - b.Distance(pos)
}

// Start begins a circulation at the exit: the exit holds the bus first and
// receives it back fully unwrapped after size hops
func (b *Bus) Start(exit int) error {
	if b.state != BusIdle {
		return types.Violation("bus", "ring %d: start from state %s", b.ringID, b.state)
	}
	if exit < 0 || exit >= b.size {
		return types.Violation("bus", "ring %d: exit position %d out of range", b.ringID, exit)
	}
	b.exit = exit
	b.holder = exit
	b.hops = 0
	b.processed = false
	b.state = BusCirculating
	return nil
}

// Unwrap removes the holder's layer from every occupied seat it did not
// create. Content is untouched.
func (b *Bus) Unwrap() error {
	if b.state != BusCirculating {
		return types.Violation("bus", "ring %d: unwrap in state %s", b.ringID, b.state)
	}
	if b.processed {
		return types.Violation("bus", "ring %d: holder %d unwrapped twice", b.ringID, b.holder)
	}
	for i := range b.seats {
		if i == b.holder || b.seats[i].handle == 0 {
			continue
		}
		b.seats[i].layers--
	}
	b.processed = true
	return nil
}

// SeatEmpty reports whether a seat is free
func (b *Bus) SeatEmpty(idx int) bool {
	return b.seats[idx].handle == 0
}

// Write stores req in the writer's own seat
func (b *Bus) Write(writer int, req *types.PaymentRequest) error {
	return b.WriteSeat(writer, writer, req)
}

// WriteSeat stores req in seat idx. Only the current holder may write, only
// into its own seat and only when that seat is empty.
func (b *Bus) WriteSeat(writer, idx int, req *types.PaymentRequest) error {
	if b.state != BusCirculating || !b.processed {
		return types.Violation("bus", "ring %d: write outside a hop", b.ringID)
	}
	if writer != b.holder {
		return types.Violation("bus", "ring %d: position %d wrote while %d holds the bus", b.ringID, writer, b.holder)
	}
	return b.writeSeat(writer, idx, req)
}

func (b *Bus) writeSeat(writer, idx int, req *types.PaymentRequest) error {
	if idx != writer {
		return types.Violation("bus", "ring %d: position %d wrote into seat %d", b.ringID, writer, idx)
	}
	if b.seats[idx].handle != 0 {
		return types.Violation("bus", "ring %d: seat %d already occupied", b.ringID, idx)
	}

	h := b.newHandle()
	b.vault[h] = req
	b.seats[idx] = seat{handle: h, layers: b.HopsToExit(writer)}
	return nil
}

func (b *Bus) newHandle() Handle {
	for {
		h := Handle(b.rng.Uint64())
		if _, used := b.vault[h]; h != 0 && !used {
			return h
		}
	}
}

// Forward re-wraps the whole bus under a fresh outer nonce and hands it to
// the next position. After size hops the bus sits at the exit.
func (b *Bus) Forward() error {
	if b.state != BusCirculating || !b.processed {
		return types.Violation("bus", "ring %d: forward before unwrap", b.ringID)
	}
	b.rewrap()

	b.hops++
	b.holder = (b.holder + 1) % b.size
	b.processed = false
	if b.hops == b.size {
		b.state = BusAtExit
	}
	return nil
}

func (b *Bus) rewrap() {
	var buf [8]byte
	for i := 0; i < len(b.nonce); i += 8 {
		binary.BigEndian.PutUint64(buf[:], b.rng.Uint64())
		copy(b.nonce[i:], buf[:])
	}
}

// Hop runs one holder's full step: unwrap, optional insertion and forward.
// A nil request forwards without inserting.
func (b *Bus) Hop(req *types.PaymentRequest) error {
	if err := b.Unwrap(); err != nil {
		return err
	}
	if req != nil {
		if err := b.Write(b.holder, req); err != nil {
			return err
		}
	}
	return b.Forward()
}

// Release strips the last layer of every seat for the exit and hands over the
// requests in seat order. The bus is emptied and goes back to idle.
func (b *Bus) Release(exit int) ([]*types.PaymentRequest, error) {
	if b.state != BusAtExit {
		return nil, types.Violation("bus", "ring %d: release in state %s", b.ringID, b.state)
	}
	if exit != b.exit {
		return nil, types.Violation("bus", "ring %d: position %d is not the exit %d", b.ringID, exit, b.exit)
	}

	batch := make([]*types.PaymentRequest, 0)
	for i := range b.seats {
		s := b.seats[i]
		if s.handle == 0 {
			continue
		}
		if s.layers != 1 {
			return nil, types.Violation("bus", "ring %d: seat %d reached the exit with %d layers", b.ringID, i, s.layers)
		}
		batch = append(batch, b.vault[s.handle])
		delete(b.vault, s.handle)
		b.seats[i] = seat{}
	}

	b.round++
	b.state = BusIdle
	return batch, nil
}

// Abandon drops a circulation that has not left the exit yet so it can be
// restarted under another exit. Only an empty bus can be abandoned.
func (b *Bus) Abandon() error {
	if b.state != BusCirculating || b.hops != 0 || b.processed {
		return types.Violation("bus", "ring %d: abandon after the bus moved", b.ringID)
	}
	if n := b.Occupied(); n > 0 {
		return types.Violation("bus", "ring %d: abandon with %d occupied seats", b.ringID, n)
	}
	b.state = BusIdle
	return nil
}

// Drain empties the bus wherever it is and returns the requests still riding
// in seat order. The ring is shutting down; nothing reaches an exit.
func (b *Bus) Drain() []*types.PaymentRequest {
	out := make([]*types.PaymentRequest, 0)
	for i := range b.seats {
		h := b.seats[i].handle
		if h == 0 {
			continue
		}
		out = append(out, b.vault[h])
		delete(b.vault, h)
		b.seats[i] = seat{}
	}
	b.state = BusIdle
	b.processed = false
	return out
}

// Occupied returns the number of occupied seats
func (b *Bus) Occupied() int {
	n := 0
	for _, s := range b.seats {
		if s.handle != 0 {
			n++
		}
	}
	return n
}

// Snapshot returns the seat states without the requests
func (b *Bus) Snapshot() []SeatState {
	out := make([]SeatState, len(b.seats))
	for i, s := range b.seats {
		out[i] = SeatState{Occupied: s.handle != 0, Layers: s.layers}
	}
	return out
}

// CheckLayers verifies that, at the current holder, every occupied seat
// carries exactly as many layers as hops remain to the exit
func (b *Bus) CheckLayers() error {
	if b.state != BusCirculating || !b.processed {
		return nil
	}
	want := b.HopsToExit(b.holder)
	for i, s := range b.seats {
		if s.handle == 0 {
			continue
		}
		if s.layers != want {
			return types.Violation("bus", "ring %d: seat %d has %d layers at position %d, want %d",
				b.ringID, i, s.layers, b.holder, want)
		}
	}
	return nil
}

// View returns what viewer observes of the bus
func (b *Bus) View(viewer int) []SeatView {
	views := make([]SeatView, len(b.seats))
	for i, s := range b.seats {
		var handle [8]byte
		binary.BigEndian.PutUint64(handle[:], uint64(s.handle))
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(i))

		views[i] = SeatView{
			Index:      i,
			Ciphertext: crypto.HashConcat(b.nonce[:], idx[:], handle[:]),
		}
		if i == viewer {
			views[i].Own = true
			views[i].Occupied = s.handle != 0
		}
	}
	return views
}
