package webrtc

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultMTU = 1500

// MediaConfig names the UDP addresses RTP sources are expected on.
// An empty address means the kind is not captured.
type MediaConfig struct {
	AudioRTP string
	VideoRTP string
	MTU      int
	StreamID string
}

// LocalMedia owns the local tracks shared by every connection. A source that
// cannot be opened is skipped, so the participant may end up receive-only.
type LocalMedia struct {
	tracks  map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP
	sources map[webrtc.RTPCodecType]*net.UDPConn
	sent    map[webrtc.RTPCodecType]*uint64
	muted   atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	logger *zap.SugaredLogger
}

// NewLocalMedia opens the configured RTP sources and starts pumping them into
// Opus and VP8 tracks.
func NewLocalMedia(cfg MediaConfig, logger *zap.SugaredLogger) *LocalMedia {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MTU <= 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "meshcall"
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &LocalMedia{
		tracks:  make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP),
		sources: make(map[webrtc.RTPCodecType]*net.UDPConn),
		sent:    make(map[webrtc.RTPCodecType]*uint64),
		cancel:  cancel,
		logger:  logger,
	}

	sources := []struct {
		kind webrtc.RTPCodecType
		addr string
		mime string
	}{
		{webrtc.RTPCodecTypeAudio, cfg.AudioRTP, webrtc.MimeTypeOpus},
		{webrtc.RTPCodecTypeVideo, cfg.VideoRTP, webrtc.MimeTypeVP8},
	}
	for _, src := range sources {
		if src.addr == "" {
			continue
		}
		if err := m.open(ctx, src.kind, src.addr, src.mime, cfg); err != nil {
			logger.Warnw("capture unavailable, continuing without it",
				"kind", src.kind.String(),
				"addr", src.addr,
				"error", err,
			)
		}
	}

	if m.ReceiveOnly() {
		logger.Infow("no local media, running receive-only")
	}
	return m
}

func (m *LocalMedia) open(ctx context.Context, kind webrtc.RTPCodecType, addr, mime string, cfg MediaConfig) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mime},
		kind.String(),
		cfg.StreamID,
	)
	if err != nil {
		conn.Close()
		return err
	}

	var sent uint64
	m.tracks[kind] = track
	m.sources[kind] = conn
	m.sent[kind] = &sent

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pump(ctx, conn, track, &sent, cfg.MTU)
	}()

	m.logger.Infow("capturing rtp", "kind", kind.String(), "addr", conn.LocalAddr().String())
	return nil
}

// pump forwards RTP datagrams from conn into track until ctx is done.
func (m *LocalMedia) pump(ctx context.Context, conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP, sent *uint64, mtu int) {
	buf := make([]byte, mtu)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			if !errors.Is(err, net.ErrClosed) {
				m.logger.Warnw("rtp source read failed", "track", track.ID(), "error", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if m.muted.Load() {
			continue
		}
		if err := track.WriteRTP(&pkt); err != nil {
			m.logger.Warnw("failed to write to local track", "track", track.ID(), "error", err)
			return
		}
		atomic.AddUint64(sent, 1)
	}
}

// ReceiveOnly reports whether no local track is available.
func (m *LocalMedia) ReceiveOnly() bool {
	return len(m.tracks) == 0
}

// Track returns the local track of the given kind, if captured.
func (m *LocalMedia) Track(kind webrtc.RTPCodecType) (*webrtc.TrackLocalStaticRTP, bool) {
	t, ok := m.tracks[kind]
	return t, ok
}

// SourceAddr returns the bound UDP address of a source.
func (m *LocalMedia) SourceAddr(kind webrtc.RTPCodecType) net.Addr {
	if conn, ok := m.sources[kind]; ok {
		return conn.LocalAddr()
	}
	return nil
}

// Sent returns how many packets of the kind were written to its track.
func (m *LocalMedia) Sent(kind webrtc.RTPCodecType) uint64 {
	if n, ok := m.sent[kind]; ok {
		return atomic.LoadUint64(n)
	}
	return 0
}

// SetMuted drops captured packets while muted is true.
func (m *LocalMedia) SetMuted(muted bool) {
	m.muted.Store(muted)
}

func (m *LocalMedia) Muted() bool {
	return m.muted.Load()
}

// Release stops every pump and closes the sources. Repeated calls are no-ops.
func (m *LocalMedia) Release() error {
	var err error
	m.once.Do(func() {
		m.cancel()
		for _, conn := range m.sources {
			if cerr := conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		m.wg.Wait()
	})
	return err
}
