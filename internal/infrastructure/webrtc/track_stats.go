package webrtc

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// TrackStats counts what arrived on a remote track.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
	Lost    uint64
}

type trackCounter struct {
	mu sync.Mutex
	TrackStats

	lastSeq uint16
	started bool
}

func (s *trackCounter) observe(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))

	if s.started {
		// Reordered packets look like a huge forward gap; only count small ones.
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.Lost += uint64(gap - 1)
		}
	}
	if !s.started || pkt.SequenceNumber-s.lastSeq < 1<<15 {
		s.lastSeq = pkt.SequenceNumber
	}
	s.started = true
}

func (s *trackCounter) snapshot() TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TrackStats
}

// drainTrack consumes RTP until the track ends.
func drainTrack(track *webrtc.TrackRemote, stats *trackCounter) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		stats.observe(pkt)
	}
}

// drainRTCP keeps the interceptor chain moving on a receiver.
func drainRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// watchSender reads RTCP sent back for a local track and reports keyframe
// requests through onPLI.
func watchSender(sender *webrtc.RTPSender, onPLI func()) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if onPLI != nil {
					onPLI()
				}
			}
		}
	}
}
