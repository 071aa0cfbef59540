// Package session implements the Session/LayerStack/command-dispatch core
// of spec.md §4.3/§4.4: one Session per connected client, and the Server
// that owns the shared state every Session reads from or writes through —
// the signal/parameter tables, the global sample RingBuffer, the
// parameter-write queue to the producer, and the SASL credential store.
package session

import (
	"fmt"
	"sync/atomic"

	"github.com/etherlab/buddy/internal/dispatch"
	"github.com/etherlab/buddy/internal/producer"
	"github.com/etherlab/buddy/internal/ring"
	"github.com/etherlab/buddy/internal/sasl"
	"github.com/etherlab/buddy/internal/signal"
	"go.uber.org/zap"
)

// Capabilities is the CAPABILITIES reply's feature list, mirroring the
// source's FEATURES string (spec.md §8 scenario 1) plus the zstdstream
// bit added to resolve Open Question 1 (SPEC_FULL.md §5).
const Capabilities = "pushparameters,binparameters,maschinehalt,eventchannels,zstdstream"

// Option configures a Server at construction, following the teacher's
// functional-options constructor idiom.
type Option func(*Server)

// WithOnHalt registers a callback invoked when an admin issues
// MASCHINENHALT, after every connected session has been notified and
// closed. A real deployment wires this to stop the dispatcher's Run loop.
func WithOnHalt(fn func()) Option {
	return func(s *Server) { s.onHalt = fn }
}

// Server owns every piece of state shared across Sessions: the variable
// tables, the global RingBuffer and the Server's own cache reader over
// it (for POLL of a signal nobody has subscribed to), the
// parameter-write queue to the producer, and the SASL credential store.
type Server struct {
	log        *zap.SugaredLogger
	dispatcher *dispatch.Dispatcher

	signals    *signal.Table
	parameters *signal.Table

	ringBuf       *ring.Buffer
	overrunMargin uint32

	cacheReader *ring.Reader
	signalImage atomic.Pointer[[]byte]

	paramImage atomic.Pointer[[]byte]
	paramQueue *producer.ParameterQueue

	mechanism   string
	credentials sasl.CredentialStore

	sessions map[*Session]struct{}
	onHalt   func()
}

// NewServer builds the Server and wires it to the dispatcher's wake hook
// so it rescans for newly published records (and drives every streaming
// Session) each time the producer wakes the dispatcher (spec.md §4.2
// step 4).
func NewServer(
	log *zap.SugaredLogger,
	d *dispatch.Dispatcher,
	signals *signal.Table,
	parameters *signal.Table,
	ringBuf *ring.Buffer,
	overrunMargin uint32,
	paramQueue *producer.ParameterQueue,
	mechanism string,
	credentials sasl.CredentialStore,
	opts ...Option,
) *Server {
	s := &Server{
		log:           log,
		dispatcher:    d,
		signals:       signals,
		parameters:    parameters,
		ringBuf:       ringBuf,
		overrunMargin: overrunMargin,
		cacheReader:   ringBuf.NewReader(),
		paramQueue:    paramQueue,
		mechanism:     mechanism,
		credentials:   credentials,
		sessions:      make(map[*Session]struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	signalImage := make([]byte, signals.ImageSize())
	s.signalImage.Store(&signalImage)
	paramImage := make([]byte, parameters.ImageSize())
	s.paramImage.Store(&paramImage)

	d.SetWakeHook(s.onWake)
	return s
}

// Dispatcher returns the Server's dispatcher, for wiring the TCP listener
// task.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

func (s *Server) registerSession(sess *Session) { s.sessions[sess] = struct{}{} }
func (s *Server) unregisterSession(sess *Session) { delete(s.sessions, sess) }

// onWake runs once per producer wakeup: it refreshes the POLL cache, then
// drives every session currently in START_STREAM.
func (s *Server) onWake() {
	s.refreshSignalCache()
	for sess := range s.sessions {
		if sess.streaming {
			sess.pump()
		}
	}
}

// refreshSignalCache drains whatever new records are available and keeps
// the bytes of the most recent one, so POLL on a signal nobody has
// subscribed to still answers with a current value. It never blocks
// streaming Sessions on anything — it uses its own independent reader.
func (s *Server) refreshSignalCache() {
	for {
		raw, err := s.cacheReader.Linearize()
		if err != nil {
			return
		}
		consumed, _, payload, ok := decodeOneRecord(raw)
		if !ok {
			return
		}
		if len(payload) == len(*s.signalImage.Load()) {
			img := append([]byte(nil), payload...)
			s.signalImage.Store(&img)
		}
		s.cacheReader.Skip(consumed)
	}
}

// readSignal returns the current bytes of d from the POLL cache.
func (s *Server) readSignal(d *signal.Descriptor) ([]byte, error) {
	img := *s.signalImage.Load()
	end := d.Offset + uint32(d.ByteLen())
	if end > uint32(len(img)) {
		return nil, fmt.Errorf("session: signal %q out of bounds of cached image", d.Path)
	}
	return append([]byte(nil), img[d.Offset:end]...), nil
}

// readParameter returns the current bytes of d from the live parameter
// image.
func (s *Server) readParameter(d *signal.Descriptor) ([]byte, error) {
	img := *s.paramImage.Load()
	end := d.Offset + uint32(d.ByteLen())
	if end > uint32(len(img)) {
		return nil, fmt.Errorf("session: parameter %q out of bounds of image", d.Path)
	}
	return append([]byte(nil), img[d.Offset:end]...), nil
}

// ApplyParameterWrite is called on the producer's own goroutine (wired as
// the applyParam callback of producer.Simulator) to fold a drained
// ParameterWrite into the live parameter image.
func (s *Server) ApplyParameterWrite(w producer.ParameterWrite) error {
	old := *s.paramImage.Load()
	if int(w.Offset)+len(w.Data) > len(old) {
		return fmt.Errorf("session: parameter write at offset %d len %d exceeds image size %d", w.Offset, len(w.Data), len(old))
	}
	next := append([]byte(nil), old...)
	copy(next[w.Offset:], w.Data)
	s.paramImage.Store(&next)
	return nil
}

// enqueueWrite hands a parameter write to the producer's queue, applying
// backpressure rather than blocking the dispatcher thread if it is full.
func (s *Server) enqueueWrite(w producer.ParameterWrite) bool {
	return s.paramQueue.TryPush(w)
}

// broadcastParamChanged notifies every other session subscribed to path
// with event_only, resolving Open Question 2 (SPEC_FULL.md §6.5).
func (s *Server) broadcastParamChanged(writer *Session, path, value string) {
	for sess := range s.sessions {
		if sess == writer {
			continue
		}
		sess.notifyParamChanged(path, value)
	}
}

// broadcastHalt notifies every session of an admin-issued MASCHINENHALT,
// closes them, and invokes onHalt if one was registered.
func (s *Server) broadcastHalt() {
	for sess := range s.sessions {
		sess.notifyHalt()
		_ = sess.task.Kill(fmt.Errorf("session: maschinenhalt"))
	}
	if s.onHalt != nil {
		s.onHalt()
	}
}
