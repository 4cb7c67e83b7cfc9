// Package live runs detection on frames sent by browsers over WebRTC data
// channels.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/underwater-trash-detector/internal/annotate"
	"github.com/dj-oyu/underwater-trash-detector/internal/detector"
	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
	"github.com/dj-oyu/underwater-trash-detector/internal/metrics"
	"github.com/dj-oyu/underwater-trash-detector/pkg/types"
)

// ErrTooManyPeers is returned by HandleOffer when MaxPeers are connected.
var ErrTooManyPeers = errors.New("maximum live peers reached")

// Config configures the live detection server.
type Config struct {
	STUNServers []string
	MaxPeers    int
	Defaults    annotate.Options
}

// frameRequest is a text message on the data channel. Binary messages are
// raw encoded images processed with the default options.
type frameRequest struct {
	FrameID             int64    `json:"frame_id"`
	Frame               string   `json:"frame"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	MaxDetections       *int     `json:"max_detections,omitempty"`
}

type frameReply struct {
	FrameID    int64                 `json:"frame_id"`
	Detections []types.WireDetection `json:"detections"`
	InferMS    int64                 `json:"infer_ms"`
	Error      string                `json:"error,omitempty"`
}

type frameJob struct {
	id   int64
	img  image.Image
	opts annotate.Options
	err  error
}

// peer is one connected browser.
type peer struct {
	id        string
	peerConn  *webrtc.PeerConnection
	frames    chan frameJob
	closeChan chan struct{}
	once      sync.Once

	mu            sync.Mutex
	channel       *webrtc.DataChannel
	framesSeen    uint64
	framesDropped uint64
}

// Server manages live detection peers.
type Server struct {
	peers    map[string]*peer
	pending  int // slots reserved by offers still negotiating
	peersMu  sync.RWMutex
	config   webrtc.Configuration
	maxPeers int
	api      *webrtc.API

	annotator *annotate.Annotator
	models    *detector.Holder
	metrics   *metrics.Metrics
	defaults  annotate.Options
}

// NewServer creates a live detection server.
func NewServer(cfg Config, annotator *annotate.Annotator, models *detector.Holder, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	settingsEngine.SetIncludeLoopbackCandidate(true)

	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 4
	}
	return &Server{
		peers:     make(map[string]*peer),
		config:    webrtc.Configuration{ICEServers: iceServers},
		maxPeers:  cfg.MaxPeers,
		api:       webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		annotator: annotator,
		models:    models,
		metrics:   m,
		defaults:  cfg.Defaults,
	}
}

// HandleOffer accepts an SDP offer in JSON form and returns the answer with
// all ICE candidates included.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, errors.New("failed to parse offer: not an SDP offer")
	}

	if err := s.reserveSlot(); err != nil {
		return nil, err
	}
	admitted := false
	defer func() {
		if !admitted {
			s.releaseSlot()
		}
	}()

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peer{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		frames:    make(chan frameJob, 1),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		logger.Debug("Live", "Peer %s opened data channel %q", p.id, dc.Label())
		p.mu.Lock()
		p.channel = dc
		p.mu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			s.enqueue(p, msg)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Live", "Peer %s connection state: %s", p.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemovePeer(p.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.peersMu.Lock()
	s.pending--
	s.peers[p.id] = p
	s.peersMu.Unlock()
	admitted = true
	if s.metrics != nil {
		s.metrics.LivePeers.Add(1)
	}

	go s.detectLoop(p)
	logger.Info("Live", "Peer %s connected", p.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemovePeer(p.id)
		return nil, errors.New("no local description available")
	}
	return json.Marshal(localDesc)
}

// reserveSlot claims room for one peer while its offer is negotiated.
func (s *Server) reserveSlot() error {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if len(s.peers)+s.pending >= s.maxPeers {
		return fmt.Errorf("%w (%d)", ErrTooManyPeers, s.maxPeers)
	}
	s.pending++
	return nil
}

func (s *Server) releaseSlot() {
	s.peersMu.Lock()
	s.pending--
	s.peersMu.Unlock()
}

// enqueue decodes a message and hands it to the peer's detect loop. When a
// frame is still pending it is replaced, so replies track the newest frame.
func (s *Server) enqueue(p *peer, msg webrtc.DataChannelMessage) {
	job := s.parseMessage(msg)
	if s.metrics != nil {
		s.metrics.LiveFramesSeen.Add(1)
	}

	p.mu.Lock()
	p.framesSeen++
	p.mu.Unlock()

	for {
		select {
		case <-p.closeChan:
			return
		case p.frames <- job:
			return
		default:
		}
		select {
		case <-p.frames:
			p.mu.Lock()
			p.framesDropped++
			p.mu.Unlock()
		default:
		}
	}
}

func (s *Server) parseMessage(msg webrtc.DataChannelMessage) frameJob {
	job := frameJob{opts: s.defaults}
	if !msg.IsString {
		job.img, job.err = annotate.DecodeImage(msg.Data)
		return job
	}

	var req frameRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		job.err = fmt.Errorf("%w: invalid frame message: %v", annotate.ErrDecode, err)
		return job
	}
	job.id = req.FrameID
	if req.ConfidenceThreshold != nil {
		job.opts.Threshold = *req.ConfidenceThreshold
	}
	if req.MaxDetections != nil {
		job.opts.MaxDetections = *req.MaxDetections
	}
	job.img, job.err = annotate.DecodeDataURL(req.Frame)
	return job
}

func (s *Server) detectLoop(p *peer) {
	for {
		select {
		case <-p.closeChan:
			return
		case job := <-p.frames:
			reply := s.detect(job)
			data, err := json.Marshal(reply)
			if err != nil {
				logger.Error("Live", "Marshal reply for peer %s: %v", p.id, err)
				continue
			}
			p.mu.Lock()
			dc := p.channel
			p.mu.Unlock()
			if dc == nil {
				continue
			}
			if err := dc.SendText(string(data)); err != nil {
				logger.Warn("Live", "Send to peer %s failed: %v", p.id, err)
				return
			}
		}
	}
}

func (s *Server) detect(job frameJob) frameReply {
	reply := frameReply{FrameID: job.id, Detections: []types.WireDetection{}}
	if job.err != nil {
		reply.Error = job.err.Error()
		return reply
	}
	start := time.Now()
	dets, err := s.annotator.Detect(context.Background(), job.img, s.models.Model(), job.opts)
	s.metrics.ObserveInference(time.Since(start), err)
	reply.InferMS = time.Since(start).Milliseconds()
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	if s.metrics != nil {
		s.metrics.DetectionsAccepted.Add(uint64(len(dets)))
	}
	reply.Detections = types.ToWire(dets)
	return reply
}

// RemovePeer closes and forgets a peer.
func (s *Server) RemovePeer(id string) {
	s.peersMu.Lock()
	p, exists := s.peers[id]
	if exists {
		delete(s.peers, id)
	}
	s.peersMu.Unlock()
	if !exists {
		return
	}

	p.once.Do(func() { close(p.closeChan) })
	_ = p.peerConn.Close()
	if s.metrics != nil {
		s.metrics.LivePeers.Add(-1)
	}

	p.mu.Lock()
	seen, dropped := p.framesSeen, p.framesDropped
	p.mu.Unlock()
	logger.Info("Live", "Peer %s disconnected (frames: %d, superseded: %d)", id, seen, dropped)
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

// Close disconnects every peer.
func (s *Server) Close() error {
	s.peersMu.RLock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.peersMu.RUnlock()

	for _, id := range ids {
		s.RemovePeer(id)
	}
	return nil
}
