// Command buddy is the entry point for the signal-acquisition/parameter-
// control server: it loads configuration, wires the session Server to a
// TCP listener and a producer simulator standing in for the real-time
// thread, and runs the dispatcher's event loop until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/etherlab/buddy/common/go/logging"
	"github.com/etherlab/buddy/internal/config"
	"github.com/etherlab/buddy/internal/dispatch"
	"github.com/etherlab/buddy/internal/producer"
	"github.com/etherlab/buddy/internal/ring"
	"github.com/etherlab/buddy/internal/sasl"
	"github.com/etherlab/buddy/internal/session"
	"github.com/etherlab/buddy/internal/signal"
	"github.com/etherlab/buddy/internal/xcmd"
)

var cmd Cmd

// Cmd holds the command line arguments.
type Cmd struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "buddy",
	Short: "Real-time signal acquisition and parameter-control server",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, _, err := logging.Init(&logging.Config{Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer log.Sync()

	stop := make(chan struct{})
	stopOnce := make(chan struct{})
	closeStop := func() {
		select {
		case <-stopOnce:
		default:
			close(stopOnce)
			close(stop)
		}
	}

	server, sim, cleanup, err := buildServer(log, cfg, closeStop)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}
	defer cleanup()

	if _, err := newListener(server, cfg.General.Interface, cfg.General.Port); err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		go sim.Run()
		defer sim.Stop()
		return server.Dispatcher().Run(stop)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		closeStop()
		return err
	})

	log.Infow("buddy listening", "interface", cfg.General.Interface, "port", cfg.General.Port)
	return wg.Wait()
}

// buildServer assembles every piece of shared state the session Server
// hub owns: the signal/parameter tables, the RingBuffer, the SASL
// credential store, and the producer simulator that publishes into it.
// onHalt is invoked once every session has been notified of an admin
// MASCHINENHALT, stopping the dispatcher's Run loop in turn.
func buildServer(log *zap.SugaredLogger, cfg *config.Config, onHalt func()) (*session.Server, *producer.Simulator, func(), error) {
	d, err := dispatch.New(log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	signalImageSize, err := config.ImageSize(cfg.Signals)
	if err != nil {
		return nil, nil, nil, err
	}
	signals, err := config.BuildTable(signalImageSize, cfg.Signals)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building signal table: %w", err)
	}

	paramImageSize, err := config.ImageSize(cfg.Parameters)
	if err != nil {
		return nil, nil, nil, err
	}
	parameters, err := config.BuildTable(paramImageSize, cfg.Parameters)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building parameter table: %w", err)
	}

	ringBuf := ring.New(uint32(cfg.General.RingCapacity.Bytes()))
	queue := producer.NewParameterQueue()
	creds := sasl.MapCredentialStore(cfg.SASL.Credentials)

	server := session.NewServer(
		log, d, signals, parameters, ringBuf,
		uint32(cfg.General.OverrunMargin.Bytes()),
		queue, cfg.SASL.Mechanism, creds,
		session.WithOnHalt(onHalt),
	)

	sim := producer.NewSimulator(
		log, ringBuf, 10*time.Millisecond,
		[]producer.SampleTime{{
			Index:     0,
			Divisor:   1,
			ImageSize: signalImageSize,
			Fill:      demoWaveform(signals.All()),
		}},
		queue, server.ApplyParameterWrite, d.SelfPipeWriteFD(),
	)

	cleanup := func() { _ = d.Close() }
	return server, sim, cleanup, nil
}

// demoWaveform stands in for the real-time sampler: every float signal
// gets a slowly moving sine wave, every integer signal the tick counter
// truncated to its width. It exists only so a freshly started server has
// something to stream without external hardware attached.
func demoWaveform(descriptors []*signal.Descriptor) func(tick uint64, out []byte) {
	return func(tick uint64, out []byte) {
		for _, d := range descriptors {
			end := d.Offset + uint32(d.ByteLen())
			if end > uint32(len(out)) {
				continue
			}
			writeDemoValue(d, tick, out[d.Offset:end])
		}
	}
}

func writeDemoValue(d *signal.Descriptor, tick uint64, dst []byte) {
	switch d.Type {
	case signal.F32, signal.F64:
		encodeDemoFloat(d.Type, dst, math.Sin(float64(tick)*0.05))
	default:
		encodeDemoInt(d.Type, dst, tick)
	}
}

func encodeDemoFloat(t signal.DataType, dst []byte, v float64) {
	switch t {
	case signal.F32:
		putUint32(dst, math.Float32bits(float32(v)))
	case signal.F64:
		putUint64(dst, math.Float64bits(v))
	}
}

func encodeDemoInt(t signal.DataType, dst []byte, tick uint64) {
	switch t {
	case signal.U8, signal.I8:
		dst[0] = byte(tick)
	case signal.U16, signal.I16:
		putUint16(dst, uint16(tick))
	case signal.U32, signal.I32:
		putUint32(dst, uint32(tick))
	case signal.U64, signal.I64:
		putUint64(dst, tick)
	}
}

func putUint16(dst []byte, v uint16) { dst[0], dst[1] = byte(v), byte(v>>8) }
func putUint32(dst []byte, v uint32) {
	for i := 0; i < 4; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}
func putUint64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

// newListener binds and listens on iface:port, registering the accept
// loop on the server's dispatcher root task so every accepted connection
// becomes a child Session task.
func newListener(server *session.Server, iface string, port int) (*tcpListener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt: %w", err)
	}

	addr, err := parseAddr(iface, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s:%d: %w", iface, port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	l := &tcpListener{fd: fd, server: server}
	d := server.Dispatcher()
	task := d.Root().NewChild("listener")
	task.TrackFD(fd)
	if err := d.RegisterReadable(task, fd, l.acceptLoop); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("registering listener: %w", err)
	}
	return l, nil
}

// parseAddr converts a dotted-quad (or "0.0.0.0") interface string and
// port into the unix.Sockaddr Bind/Connect expect.
func parseAddr(iface string, port int) (unix.Sockaddr, error) {
	var octets [4]byte
	if iface == "0.0.0.0" || iface == "" {
		octets = [4]byte{0, 0, 0, 0}
	} else {
		n, err := fmt.Sscanf(iface, "%d.%d.%d.%d", &octets[0], &octets[1], &octets[2], &octets[3])
		if err != nil || n != 4 {
			return nil, fmt.Errorf("parsing interface address %q: %w", iface, err)
		}
	}
	return &unix.SockaddrInet4{Port: port, Addr: octets}, nil
}

type tcpListener struct {
	fd     int
	server *session.Server
}

// acceptLoop drains every pending connection on one readiness
// notification, accepting with bounded backoff under descriptor
// exhaustion rather than busy-looping the dispatcher thread.
func (l *tcpListener) acceptLoop() error {
	for {
		clientFD, sa, err := acceptOnce(l.fd)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		host := peerHost(sa)
		if _, err := session.NewSession(l.server, l.server.Dispatcher().Root(), clientFD, host); err != nil {
			unix.Close(clientFD)
			return fmt.Errorf("accepting session from %s: %w", host, err)
		}
	}
}

func acceptOnce(listenFD int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	fd, err := dispatch.AcceptWithBackoff(func() (int, error) {
		clientFD, clientSA, acceptErr := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
		sa = clientSA
		return clientFD, acceptErr
	})
	return fd, sa, err
}

func peerHost(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d", addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
	default:
		return "unknown"
	}
}
