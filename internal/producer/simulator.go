// Package producer stands in for the real-time sampler/parameter-image
// process of spec.md §1, which is out of scope as a genuine real-time
// loop. Simulator drives the same per-tick protocol (§4.2) a real driver
// would: snapshot, append one record to the global RingBuffer, publish
// the write, wake the dispatcher.
package producer

import (
	"time"

	"github.com/etherlab/buddy/internal/ring"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SampleTime configures one periodic output rate. Divisor base ticks
// elapse between successive writes of this rate's record, so several
// rates can share Simulator's single ticker goroutine without more than
// one goroutine ever calling RingBuffer.Write/Advance — preserving the
// single-writer invariant instead of fanning out one goroutine per rate.
type SampleTime struct {
	Index     uint32
	Divisor   uint64
	ImageSize uint32
	// Fill snapshots this rate's current values into out (len(out) ==
	// ImageSize). It stands in for the atomic shared-memory snapshot a
	// real driver performs; tick is the simulator's tick counter.
	Fill func(tick uint64, out []byte)
}

// Simulator is the in-process stand-in for the real-time producer
// thread.
type Simulator struct {
	log  *zap.SugaredLogger
	ring *ring.Buffer

	baseTick    time.Duration
	sampleTimes []SampleTime

	queue      *ParameterQueue
	applyParam func(ParameterWrite) error

	wakeFD int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSimulator builds a Simulator. wakeFD is the dispatcher's self-pipe
// write end (Dispatcher.SelfPipeWriteFD); applyParam is called on the
// simulator's own goroutine to apply a drained ParameterWrite into the
// producer-side parameter image.
func NewSimulator(
	log *zap.SugaredLogger,
	buf *ring.Buffer,
	baseTick time.Duration,
	sampleTimes []SampleTime,
	queue *ParameterQueue,
	applyParam func(ParameterWrite) error,
	wakeFD int,
) *Simulator {
	return &Simulator{
		log:         log,
		ring:        buf,
		baseTick:    baseTick,
		sampleTimes: sampleTimes,
		queue:       queue,
		applyParam:  applyParam,
		wakeFD:      wakeFD,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Run drives the tick loop until Stop is called. It is meant to run on
// its own goroutine, standing in for the real-time thread.
func (s *Simulator) Run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.baseTick)
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drainParameterWrites()
			s.tickOnce(tick)
			tick++
		}
	}
}

// Stop signals the tick loop to exit and waits for it to do so.
func (s *Simulator) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Simulator) drainParameterWrites() {
	for {
		w, ok := s.queue.TryPop()
		if !ok {
			return
		}
		if err := s.applyParam(w); err != nil && s.log != nil {
			s.log.Warnw("producer: discarding parameter write", "principal", w.Principal, "error", err)
		}
	}
}

func (s *Simulator) tickOnce(tick uint64) {
	wrote := false
	for _, st := range s.sampleTimes {
		if st.Divisor == 0 || tick%st.Divisor != 0 {
			continue
		}

		total := uint32(RecordHeaderSize) + st.ImageSize
		buf := s.ring.WritePtr(total)
		if uint32(len(buf)) < total {
			if s.log != nil {
				s.log.Errorw("producer: record does not fit ring capacity, dropping tick",
					"sampleTimeIndex", st.Index, "recordSize", total, "ringCapacity", s.ring.Capacity())
			}
			continue
		}

		header := RecordHeader{SampleTimeIndex: st.Index, Tick: tick, PayloadLen: st.ImageSize}
		copy(buf[:RecordHeaderSize], EncodeRecordHeader(header))
		st.Fill(tick, buf[RecordHeaderSize:total])
		s.ring.Advance(total)
		wrote = true
	}

	if wrote {
		s.wake()
	}
}

// wake writes one byte to the dispatcher's self-pipe, re-entering its
// epoll wait per spec.md §4.2 step 4/§5.
func (s *Simulator) wake() {
	var b [1]byte
	for {
		_, err := unix.Write(s.wakeFD, b[:])
		if err == nil || err != unix.EAGAIN {
			return
		}
	}
}
