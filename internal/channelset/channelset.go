// Package channelset implements the per-session ordered set of subscribed
// signals and their streaming parameters.
package channelset

import (
	"fmt"

	"github.com/etherlab/buddy/internal/signal"
)

// Encoding selects how sample values are serialized on the data channel.
type Encoding uint8

const (
	ASCII Encoding = iota
	Base64Raw
	ZstdRaw
)

// Options holds the per-subscription streaming parameters.
type Options struct {
	BlockSize   uint32 // samples per emitted frame, >= 1
	Decimation  uint32 // ticks per emitted sample, >= 1
	Encoding    Encoding
	Precision   uint8 // decimal digits for ASCII floats
	EventOnly   bool  // emit only on value change since last emission
}

// Validate checks the invariants required of Options.
func (o Options) Validate() error {
	if o.Decimation < 1 {
		return fmt.Errorf("channelset: decimation must be >= 1")
	}
	if o.BlockSize < 1 {
		return fmt.Errorf("channelset: block_size must be >= 1")
	}
	return nil
}

// Channel is one active subscription: a variable plus its streaming
// options and the mutable decimation/block-accumulation state the
// producer loop advances tick by tick.
type Channel struct {
	ID         uint32 // wire channel identifier assigned at SUBSCRIBE time
	Descriptor *signal.Descriptor
	Options    Options

	tickCounter    uint32 // ticks seen since last decimated sample
	blockFilled    uint32 // samples accumulated toward BlockSize
	blockBuf       []byte // raw sample bytes accumulated toward the pending block
	blockFirstTick uint64 // producer tick of the block's oldest sample
	lastValue      []byte // last emitted raw bytes, for event_only change detection
	hasLast        bool
}

// Set is the ordered collection of a session's active subscriptions,
// keyed by signal path so SUBSCRIBE replaces any existing entry for the
// same path and UNSUBSCRIBE removes it.
type Set struct {
	byPath map[string]*Channel
	order  []string
	nextID uint32
}

// New creates an empty ChannelSet.
func New() *Set {
	return &Set{byPath: make(map[string]*Channel)}
}

// Subscribe adds or replaces the subscription for descriptor.Path, assigning
// a fresh wire channel id. It returns the resulting Channel.
func (s *Set) Subscribe(d *signal.Descriptor, opts Options) (*Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if _, exists := s.byPath[d.Path]; !exists {
		s.order = append(s.order, d.Path)
	}

	s.nextID++
	ch := &Channel{
		ID:         s.nextID,
		Descriptor: d,
		Options:    opts,
	}
	s.byPath[d.Path] = ch
	return ch, nil
}

// Unsubscribe removes the subscription for path, if any. It returns
// whether an entry was removed.
func (s *Set) Unsubscribe(path string) bool {
	if _, ok := s.byPath[path]; !ok {
		return false
	}
	delete(s.byPath, path)
	for i, p := range s.order {
		if p == path {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Lookup returns the channel subscribed for path, if any.
func (s *Set) Lookup(path string) (*Channel, bool) {
	ch, ok := s.byPath[path]
	return ch, ok
}

// LookupByID returns the channel with the given wire channel id, if any.
func (s *Set) LookupByID(id uint32) (*Channel, bool) {
	for _, ch := range s.byPath {
		if ch.ID == id {
			return ch, true
		}
	}
	return nil, false
}

// All returns every active channel in subscription order.
func (s *Set) All() []*Channel {
	out := make([]*Channel, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.byPath[p])
	}
	return out
}

// Clear removes every subscription, used on overrun flush and session
// teardown.
func (s *Set) Clear() {
	s.byPath = make(map[string]*Channel)
	s.order = nil
}

// Tick advances the channel's decimation counter by one producer tick and
// reports whether a sample is due on this tick under plain (non-event)
// decimation: the first tick of every run of Decimation ticks fires, so a
// channel subscribed from tick 0 at decimation N emits ticks 0, N, 2N, ...
func (c *Channel) Tick() bool {
	fire := c.tickCounter == 0
	c.tickCounter++
	if c.tickCounter >= c.Options.Decimation {
		c.tickCounter = 0
	}
	return fire
}

// AccumulateBlock appends one decimated sample's raw bytes (produced at
// the given producer tick) to the pending block and reports whether the
// configured block is now full (block_size reached). A full block's
// first-sample tick and bytes are returned and the accumulator is reset;
// otherwise block is nil.
func (c *Channel) AccumulateBlock(tick uint64, raw []byte) (full bool, firstTick uint64, block []byte) {
	if len(c.blockBuf) == 0 {
		c.blockFirstTick = tick
	}
	c.blockBuf = append(c.blockBuf, raw...)
	c.blockFilled++
	if c.blockFilled < c.Options.BlockSize {
		return false, 0, nil
	}
	firstTick, block = c.blockFirstTick, c.blockBuf
	c.blockFilled = 0
	c.blockBuf = nil
	return true, firstTick, block
}

// PendingBlockSamples returns how many decimated samples have been
// accumulated toward the current, not-yet-emitted block.
func (c *Channel) PendingBlockSamples() uint32 {
	return c.blockFilled
}

// FlushBlock returns the first-sample tick and raw bytes currently
// accumulated toward the pending block and resets the accumulator, used
// when an event_only emission must flush a partial block rather than
// hold it for the next decimated tick (SPEC_FULL.md §6.6).
func (c *Channel) FlushBlock() (firstTick uint64, block []byte) {
	firstTick, block = c.blockFirstTick, c.blockBuf
	c.blockFilled = 0
	c.blockBuf = nil
	return firstTick, block
}

// Changed reports whether raw differs from the last value emitted for
// this channel, and records raw as the new last value. Used by event_only
// channels to suppress emissions when the value hasn't moved.
func (c *Channel) Changed(raw []byte) bool {
	if !c.hasLast {
		c.hasLast = true
		c.lastValue = append([]byte(nil), raw...)
		return true
	}
	if string(c.lastValue) == string(raw) {
		return false
	}
	c.lastValue = append(c.lastValue[:0], raw...)
	return true
}
