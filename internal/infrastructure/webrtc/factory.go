package webrtc

import (
	"fmt"
	"sync"

	"meshcall/internal/client/negotiation"
	"meshcall/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers []domain.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Factory builds one pion connection per remote session with the local tracks
// attached. Kinds without a local track get a recvonly transceiver so remote
// media is still negotiated.
type Factory struct {
	api   *webrtc.API
	media *LocalMedia

	mu     sync.RWMutex
	config webrtc.Configuration
	conns  map[domain.SessionID]*Connection

	logger *zap.SugaredLogger
}

func NewFactory(cfg Config, media *LocalMedia, logger *zap.SugaredLogger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			logger.Warnw("ignoring invalid port range", "min", cfg.PortRange.Min, "max", cfg.PortRange.Max, "error", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   ICEServers(cfg.ICEServers),
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		conns:  make(map[domain.SessionID]*Connection),
		media:  media,
		logger: logger,
	}, nil
}

// SetICEServers replaces the servers used for connections created afterwards.
func (f *Factory) SetICEServers(servers []domain.ICEServer) {
	f.mu.Lock()
	f.config.ICEServers = ICEServers(servers)
	f.mu.Unlock()
}

func (f *Factory) NewConnection(remote domain.SessionID) (negotiation.PeerConnection, error) {
	f.mu.RLock()
	config := f.config
	f.mu.RUnlock()

	pc, err := f.api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if err := f.attach(pc, remote, kind); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	conn := newConnection(pc, remote, f.logger)
	f.mu.Lock()
	f.conns[remote] = conn
	f.mu.Unlock()
	return conn, nil
}

// Stats returns the receive counters of the newest open connection to remote.
func (f *Factory) Stats(remote domain.SessionID) (map[string]TrackStats, bool) {
	f.mu.Lock()
	conn, ok := f.conns[remote]
	if ok && conn.closed() {
		delete(f.conns, remote)
		ok = false
	}
	f.mu.Unlock()

	if !ok {
		return nil, false
	}
	return conn.Stats(), true
}

func (f *Factory) attach(pc *webrtc.PeerConnection, remote domain.SessionID, kind webrtc.RTPCodecType) error {
	if f.media != nil {
		if track, ok := f.media.Track(kind); ok {
			sender, err := pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("add %s track: %w", kind, err)
			}
			go watchSender(sender, func() {
				f.logger.Debugw("keyframe requested", "remote", remote, "kind", kind.String())
			})
			return nil
		}
	}

	_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add recvonly %s transceiver: %w", kind, err)
	}
	return nil
}

// ICEServers converts the signaling form into pion's.
func ICEServers(servers []domain.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}
