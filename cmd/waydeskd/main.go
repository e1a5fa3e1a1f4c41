package main

import (
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanternops/waydesk/internal/audio"
	"github.com/lanternops/waydesk/internal/broadcast"
	"github.com/lanternops/waydesk/internal/compositor"
	"github.com/lanternops/waydesk/internal/config"
	"github.com/lanternops/waydesk/internal/driver"
	"github.com/lanternops/waydesk/internal/httpapi"
	"github.com/lanternops/waydesk/internal/logging"
	"github.com/lanternops/waydesk/internal/mux"
	"github.com/lanternops/waydesk/internal/session"
	"github.com/lanternops/waydesk/internal/signaling"
	"github.com/lanternops/waydesk/internal/video"
)

// version is stamped by the release build; the working-copy default
// mirrors the teacher's cmd/breeze-agent convention of a plain var.
var version = "0.1.0"

// videoPayloadType and audioPayloadType are the server's fixed RTP
// payload type choices, advertised identically in every SDP answer
// (spec §6). videoPayloadType is also handed to the video pipeline; the
// driver's audio packetizer writes the same value, 111, as a literal.
const (
	videoPayloadType uint8 = 96
	audioPayloadType uint8 = 111

	defaultRenderWidth  = 1280
	defaultRenderHeight = 720

	// defaultBitrateKbps seeds the encoder before the first SETTINGS
	// data-channel message (spec's supplemented runtime-SETTINGS feature)
	// adjusts it.
	defaultBitrateKbps = 4000
)

var (
	cfgFile string
	log     = logging.L("main")
)

var rootCmd = &cobra.Command{
	Use:   "waydeskd",
	Short: "waydesk headless remote desktop streaming server",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("waydeskd v%s\n", version)
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "config-check",
	Short: "Validate the configuration file and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("config OK: listening on %s:%d, codec=%s, target_fps=%d\n",
			cfg.ListenAddr, cfg.ListenPort, cfg.VideoCodec, cfg.TargetFPS)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/waydesk/waydesk.toml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCheckCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging wires structured logging from config, matching the
// teacher's cmd/breeze-agent initLogging (rotating file + stdout tee).
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

func runServer() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	video_, audio_, text_ := broadcast.NewVideo(int(math.Ceil(float64(cfg.TargetFPS)*1.5))), broadcast.NewAudio(), broadcast.NewText()
	registry := session.NewRegistry(video_, audio_, text_)

	pipeline, err := video.NewPipeline(video_, 0, videoPayloadType, video.EncoderConfig{
		Width:       defaultRenderWidth,
		Height:      defaultRenderHeight,
		Codec:       video.Codec(cfg.VideoCodec),
		BitrateKbps: defaultBitrateKbps,
		FPS:         cfg.TargetFPS,
		LatencyMS:   cfg.PipelineLatencyMS,
	})
	if err != nil {
		log.Error("video pipeline init failed", "error", err)
		os.Exit(1)
	}

	backend := compositor.NewSyntheticBackend(defaultRenderWidth, defaultRenderHeight)
	compositorLoop := compositor.New(backend, pipeline, text_.Publish, func() int { return len(registry.All()) }, compositor.Config{
		TargetFrameTime: time.Second / time.Duration(cfg.TargetFPS),
		SuppressGTKCSD:  cfg.SuppressGTKCSD,
	})

	audioSource := audio.NewSilenceSource()
	var audioSeq uint32
	if err := audioSource.Start(func(pkt audio.Packet) {
		seq := uint16(atomic.AddUint32(&audioSeq, 1))
		audio_.Publish(broadcast.AudioPacket{SequenceNum: seq, Timestamp: pkt.Timestamp, Payload: pkt.Payload})
	}); err != nil {
		log.Error("audio source start failed", "error", err)
		os.Exit(1)
	}

	driverCfg := driver.Config{
		Pipeline:       pipeline,
		Compositor:     compositorLoop,
		Registry:       registry,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: int64(cfg.MaxUploadMB) * 1024 * 1024,
	}

	signalingHandler := signaling.New(signaling.Config{
		Port:                    cfg.ListenPort,
		PublicCandidate:         cfg.PublicCandidate,
		CandidateFromHostHeader: cfg.CandidateFromHostHeader,
		LocalBindAddr:           cfg.ListenAddr,
		VideoPayloadType:        videoPayloadType,
		AudioPayloadType:        audioPayloadType,
	}, registry, video_, audio_, text_)

	stop := make(chan struct{})

	signalingHandler.OnSession = func(sess *session.Session) {
		log.Info("session registered", "session", sess.ID, "remote_ufrag", sess.RemoteUfrag)
	}

	var mcpHandler http.Handler
	if cfg.MCPEnabled {
		mcpHandler = httpapi.NewMCPHandler(registry)
	}
	api := httpapi.New(cfg, registry, signalingHandler, mcpHandler, httpapi.Metrics{
		BytesSent:     driver.TotalBytesSent,
		BytesReceived: driver.TotalBytesReceived,
	})
	httpHandler := api.Handler()

	httpListener := newConnListener()
	defer httpListener.Close()
	httpServer := &http.Server{Handler: httpHandler}
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			log.Warn("http server stopped", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("listen failed", "address", addr, "error", err)
		os.Exit(1)
	}

	m := mux.New(listener,
		func(conn net.Conn) { httpListener.Submit(conn) },
		func(conn net.Conn) { acceptICEConn(conn, registry, driverCfg, video_, audio_, text_, stop) },
	)

	go registry.GC(
		time.Duration(cfg.SessionGCIntervalSeconds)*time.Second,
		time.Duration(cfg.PingTimeoutSeconds)*time.Second,
		stop,
	)
	go compositorLoop.Run(stop)

	log.Info("waydeskd starting", "version", version, "address", addr)

	serveErr := make(chan error, 1)
	go func() { serveErr <- m.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-serveErr:
		log.Error("accept loop exited", "error", err)
	}

	close(stop)
	listener.Close()
	audioSource.Stop()
	httpServer.Close()
	for _, sess := range registry.All() {
		sess.Terminate(video_, audio_, text_)
	}
	log.Info("waydeskd stopped")
}

// acceptICEConn matches an accepted ICE-TCP connection against the
// registry (spec §4.4) and, on a match, starts its session driver.
func acceptICEConn(conn net.Conn, registry *session.Registry, cfg driver.Config, video_ *broadcast.Video, audio_ *broadcast.Audio, text_ *broadcast.Text, stop <-chan struct{}) {
	sess, firstFrame, ok := registry.MatchConn(conn.Read, remoteAddr(conn))
	if !ok {
		conn.Close()
		return
	}
	sess.AttachConn(conn)
	go driver.New(sess, cfg, video_, audio_, text_, firstFrame).Run(stop)
}

type remoteAddrString string

func (a remoteAddrString) Network() string { return "tcp" }
func (a remoteAddrString) String() string  { return string(a) }

func remoteAddr(conn net.Conn) remoteAddrString {
	if addr := conn.RemoteAddr(); addr != nil {
		return remoteAddrString(addr.String())
	}
	return ""
}

// connListener adapts the mux's per-connection dispatch into a
// net.Listener so http.Server.Serve can run unmodified against
// connections the port multiplexer classified as HTTP (spec §4.1: the
// multiplexer hands classified connections to "the HTTP router", which
// in net/http terms is anything satisfying net.Listener).
type connListener struct {
	submit chan net.Conn
	closed chan struct{}
	once   sync.Once
	addr   net.Addr
}

func newConnListener() *connListener {
	return &connListener{
		submit: make(chan net.Conn, 64),
		closed: make(chan struct{}),
		addr:   fakeAddr{},
	}
}

// Submit hands one already-accepted, already-classified connection to
// the listener for http.Server.Serve to pick up via Accept.
func (l *connListener) Submit(conn net.Conn) {
	select {
	case l.submit <- conn:
	case <-l.closed:
		conn.Close()
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.submit:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }

// fakeAddr satisfies net.Addr for a listener that never itself binds a
// socket (the real TCP listener lives in the mux).
type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "mux" }
