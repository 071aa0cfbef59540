package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/etherlab/buddy/internal/channelset"
	"github.com/etherlab/buddy/internal/producer"
	"github.com/etherlab/buddy/internal/signal"
)

func (sess *Session) handleCapabilities() error {
	return sess.send(okLine(Capabilities))
}

func (sess *Session) handleListModels() error {
	return sess.send(formatListReply("models", [][]kv{{{"model", "buddy"}}}))
}

func (sess *Session) handleListSignals(tokens []string) error {
	return sess.listFromTable(sess.server.signals, "signals", tokens)
}

func (sess *Session) handleListParameters(tokens []string) error {
	return sess.listFromTable(sess.server.parameters, "parameters", tokens)
}

// listFromTable renders an optionally glob-filtered dump of table as the
// multi-line list reply of spec.md §4.3.
func (sess *Session) listFromTable(table *signal.Table, title string, tokens []string) error {
	pattern := ""
	if len(tokens) > 1 {
		pattern = tokens[1]
	}

	descriptors, err := table.Match(pattern)
	if err != nil {
		return sess.send(errLine(err.Error()))
	}

	entries := make([][]kv, len(descriptors))
	for i, d := range descriptors {
		entries[i] = descriptorEntry(d)
	}
	return sess.send(formatListReply(title, entries))
}

func (sess *Session) handleSubscribe(tokens []string) error {
	// SUBSCRIBE path block_size decimation encoding precision event_only
	if len(tokens) != 7 {
		return sess.send(errLine("usage: SUBSCRIBE <path> <block_size> <decimation> <encoding> <precision> <event_only>"))
	}
	path := tokens[1]

	d, ok := sess.server.signals.Lookup(path)
	if !ok {
		return sess.send(errLine(fmt.Sprintf("no such signal %q", path)))
	}

	blockSize, err := strconv.ParseUint(tokens[2], 10, 32)
	if err != nil {
		return sess.send(errLine("invalid block_size"))
	}
	decimation, err := strconv.ParseUint(tokens[3], 10, 32)
	if err != nil {
		return sess.send(errLine("invalid decimation"))
	}
	encoding, err := parseEncoding(tokens[4])
	if err != nil {
		return sess.send(errLine(err.Error()))
	}
	precision, err := strconv.ParseUint(tokens[5], 10, 8)
	if err != nil {
		return sess.send(errLine("invalid precision"))
	}
	eventOnly := tokens[6] == "1"

	opts := channelset.Options{
		BlockSize:  uint32(blockSize),
		Decimation: uint32(decimation),
		Encoding:   encoding,
		Precision:  uint8(precision),
		EventOnly:  eventOnly,
	}
	ch, err := sess.channels.Subscribe(d, opts)
	if err != nil {
		return sess.send(errLine(err.Error()))
	}

	return sess.send(okLine(fmt.Sprintf("subscribed %s channel %d", path, ch.ID)))
}

func parseEncoding(s string) (channelset.Encoding, error) {
	switch strings.ToLower(s) {
	case "ascii":
		return channelset.ASCII, nil
	case "base64", "base64raw":
		return channelset.Base64Raw, nil
	case "zstd", "zstdraw":
		return channelset.ZstdRaw, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", s)
	}
}

func (sess *Session) handleUnsubscribe(tokens []string) error {
	if len(tokens) != 2 {
		return sess.send(errLine("usage: UNSUBSCRIBE <path>"))
	}
	if !sess.channels.Unsubscribe(tokens[1]) {
		return sess.send(errLine(fmt.Sprintf("not subscribed to %q", tokens[1])))
	}
	return sess.send(okLine("unsubscribed " + tokens[1]))
}

func (sess *Session) handlePoll(tokens []string) error {
	if len(tokens) != 2 {
		return sess.send(errLine("usage: POLL <path>"))
	}
	path := tokens[1]

	if d, ok := sess.server.signals.Lookup(path); ok {
		raw, err := sess.server.readSignal(d)
		if err != nil {
			return sess.send(errLine(err.Error()))
		}
		return sess.send(okLine(formatValue(d, raw, 6)))
	}
	if d, ok := sess.server.parameters.Lookup(path); ok {
		raw, err := sess.server.readParameter(d)
		if err != nil {
			return sess.send(errLine(err.Error()))
		}
		return sess.send(okLine(formatValue(d, raw, 6)))
	}
	return sess.send(errLine(fmt.Sprintf("no such path %q", path)))
}

func (sess *Session) handleWrite(tokens []string) error {
	if !sess.writeAccess {
		return sess.send(errLine("write_access required"))
	}
	if len(tokens) != 3 {
		return sess.send(errLine("usage: WRITE <path> <value>"))
	}
	path, value := tokens[1], tokens[2]

	d, ok := sess.server.parameters.Lookup(path)
	if !ok {
		return sess.send(errLine(fmt.Sprintf("no such parameter %q", path)))
	}

	data, err := encodeValue(d, value)
	if err != nil {
		return sess.send(errLine(err.Error()))
	}

	if !sess.server.enqueueWrite(producer.ParameterWrite{
		Principal: sess.principal,
		Offset:    d.Offset,
		Data:      data,
	}) {
		return sess.send(errLine("parameter queue full"))
	}

	sess.server.broadcastParamChanged(sess, path, value)
	return sess.send(okLine("written " + path))
}

func (sess *Session) handleStartStream() error {
	sess.streaming = true
	return sess.send(okLine("streaming"))
}

func (sess *Session) handleStopStream() error {
	sess.streaming = false
	return sess.send(okLine("stopped"))
}

// handleMaschinenhalt is the supplemented admin-only verb grounded on the
// original source's MASCHINENHALT feature bit (machine can be shut down
// via a halt command). Only a session whose principal elevated to admin
// during LOGIN may issue it.
func (sess *Session) handleMaschinenhalt() error {
	if !sess.isAdmin {
		return sess.send(errLine("maschinenhalt requires admin"))
	}
	if err := sess.send(okLine("maschinenhalt")); err != nil {
		return err
	}
	sess.server.broadcastHalt()
	return nil
}

func (sess *Session) handleQuit() error {
	if err := sess.send(okLine("bye")); err != nil {
		return err
	}
	return sess.task.Kill(nil)
}
