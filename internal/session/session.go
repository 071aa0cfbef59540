package session

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/etherlab/buddy/internal/channelset"
	"github.com/etherlab/buddy/internal/dispatch"
	"github.com/etherlab/buddy/internal/layer"
	"github.com/etherlab/buddy/internal/ring"
	"github.com/etherlab/buddy/internal/sasl"
	"github.com/etherlab/buddy/internal/transport"
	"github.com/etherlab/buddy/internal/wire"
	"go.uber.org/zap"
)

type authState int

const (
	authInit authState = iota
	authLoginContinue
	authIdle
	authLoginFail
)

// commandLayer is CommandProcessor's stack entry. It contributes nothing
// to any IOBuffer's reserved prefix: it is always the topmost layer, so
// no layer above it ever needs space reserved in its header. All actual
// command parsing/dispatch lives on Session, not here; this type exists
// only so the Stack has a named top-of-stack member for IndexOf/prefix
// bookkeeping, per internal/layer's array-indexed design.
type commandLayer struct{}

func (c *commandLayer) Name() string               { return "command-processor" }
func (c *commandLayer) HeaderLength() int          { return 0 }
func (c *commandLayer) GetHeader(*layer.IOBuffer) []byte { return nil }

// Session is one connected client: its LayerStack, its ChannelSet, its
// authentication state, and its read cursor into the global sample
// stream (spec.md §3 "Session").
type Session struct {
	server *Server
	task   *dispatch.Task
	log    *zap.SugaredLogger

	stack      *layer.Stack
	cmdOwner   int
	reader     *ring.Reader
	channels   *channelset.Set

	auth      authState
	verifier  sasl.Verifier
	principal string
	isAdmin   bool
	writeAccess bool

	remoteHost  string
	remoteApp   string
	connectedAt time.Time
	bytesIn     uint64
	bytesOut    uint64

	streaming bool
}

// NewSession accepts a connected client fd, installs its LayerStack
// (Socket → PacketFramer → CommandProcessor per spec.md §4.3), and
// registers it with the Server.
func NewSession(server *Server, parent *dispatch.Task, fd int, remoteHost string) (*Session, error) {
	sess := &Session{
		server:      server,
		log:         server.log,
		channels:    channelset.New(),
		reader:      server.ringBuf.NewReader(),
		auth:        authInit,
		remoteHost:  remoteHost,
		connectedAt: time.Now(),
	}

	sess.task = parent.NewChild(fmt.Sprintf("session-fd%d", fd))

	framer := transport.NewFramer(sess.handleFrame)
	cmd := &commandLayer{}
	sock, err := transport.NewSocket(server.dispatcher, sess.task, fd, server.log, framer.Receive, sess.handleClosed)
	if err != nil {
		return nil, err
	}

	stack, err := layer.NewStack(sock, framer, cmd)
	if err != nil {
		return nil, err
	}
	sess.stack = stack
	sess.cmdOwner = stack.IndexOf(cmd.Name())

	sess.task.OnDestroy(sess.teardown)
	server.registerSession(sess)
	return sess, nil
}

func (sess *Session) teardown() error {
	sess.server.unregisterSession(sess)
	sess.channels.Clear()
	return nil
}

func (sess *Session) handleClosed(cause error) error {
	return sess.task.Kill(cause)
}

// send transmits body as a command-channel frame.
func (sess *Session) send(body []byte) error {
	payload := make([]byte, wire.ChannelIDSize+len(body))
	binary.BigEndian.PutUint32(payload, wire.CommandChannel)
	copy(payload[wire.ChannelIDSize:], body)

	buf := sess.stack.NewIOBuffer(sess.cmdOwner, payload)
	if err := sess.stack.Transmit(buf); err != nil {
		return err
	}
	sess.bytesOut += uint64(len(body))
	return nil
}

// sendData transmits one data-channel frame for a subscribed channel.
func (sess *Session) sendData(channelID uint32, h wire.DataHeader, samples []byte) error {
	payload := make([]byte, wire.ChannelIDSize+wire.DataHeaderSize+len(samples))
	binary.BigEndian.PutUint32(payload, channelID)
	copy(payload[wire.ChannelIDSize:wire.ChannelIDSize+wire.DataHeaderSize], wire.EncodeDataHeader(h))
	copy(payload[wire.ChannelIDSize+wire.DataHeaderSize:], samples)

	buf := sess.stack.NewIOBuffer(sess.cmdOwner, payload)
	if err := sess.stack.Transmit(buf); err != nil {
		return err
	}
	sess.bytesOut += uint64(len(payload))
	return nil
}

// handleFrame is the Framer's deliverUp callback: one complete
// length-prefixed frame's payload, channel id included.
func (sess *Session) handleFrame(payload []byte) error {
	channel, body, err := wire.DecodeChannel(payload)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if channel != wire.CommandChannel {
		return fmt.Errorf("session: client sent on non-command channel %d", channel)
	}

	sess.bytesIn += uint64(len(body))
	line := strings.TrimRight(string(body), "\r\n")
	return sess.dispatchLine(line)
}

// dispatchLine parses and executes one command-channel line, per the
// verb table of spec.md §4.3.
func (sess *Session) dispatchLine(line string) error {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil
	}
	verb := strings.ToUpper(tokens[0])

	switch verb {
	case "LOGIN":
		return sess.handleLogin(tokens)
	case "LOGIN-CONTINUE":
		return sess.handleLoginContinue(tokens)
	case "CAPABILITIES":
		// CAPABILITIES is answerable on a bare, unauthenticated
		// connection (spec.md §8 scenario 1) — it carries no session
		// state, unlike every other verb below.
		return sess.handleCapabilities()
	}

	// Only Idle accepts every other verb, per spec.md §4.3's state
	// machine.
	if sess.auth != authIdle {
		return sess.send(errLine("not authenticated"))
	}

	switch verb {
	case "LIST_MODELS":
		return sess.handleListModels()
	case "LIST_SIGNALS":
		return sess.handleListSignals(tokens)
	case "LIST_PARAMETERS":
		return sess.handleListParameters(tokens)
	case "SUBSCRIBE":
		return sess.handleSubscribe(tokens)
	case "UNSUBSCRIBE":
		return sess.handleUnsubscribe(tokens)
	case "POLL":
		return sess.handlePoll(tokens)
	case "WRITE":
		return sess.handleWrite(tokens)
	case "START_STREAM":
		return sess.handleStartStream()
	case "STOP_STREAM":
		return sess.handleStopStream()
	case "MASCHINENHALT":
		return sess.handleMaschinenhalt()
	case "QUIT":
		return sess.handleQuit()
	default:
		return sess.send(errLine(fmt.Sprintf("unknown verb %q", tokens[0])))
	}
}

// notifyParamChanged sends the asynchronous parameter-change event of
// SPEC_FULL.md §6.5 to a session subscribed to path with event_only.
func (sess *Session) notifyParamChanged(path, value string) {
	if ch, ok := sess.channels.Lookup(path); !ok || !ch.Options.EventOnly {
		return
	}
	_ = sess.send(eventLine(fmt.Sprintf("paramchanged %s %s", path, value)))
}

// notifyHalt sends the maschinenhalt event ahead of the session being
// torn down.
func (sess *Session) notifyHalt() {
	_ = sess.send(eventLine("maschinenhalt"))
}
