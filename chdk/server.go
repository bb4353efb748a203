package chdk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulbellamy/ratecounter"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// LVServer polls live-view frames from the camera and serves them
// asynchronously over websockets: a stream channel broadcasting raw
// frames, and a control channel for retuning the poller.

type LVServer struct {
	Frame        []byte
	newFrameChan chan bool
	frameLock    sync.Mutex

	fpsRate  *ratecounter.RateCounter
	info     InfoPayload
	infoLock sync.Mutex

	upgrader       websocket.Upgrader
	streamClients  map[*websocket.Conn]bool
	streamLock     sync.Mutex
	controlClients map[*websocket.Conn]bool
	controlLock    sync.Mutex

	cam     *Camera
	camLock sync.Mutex

	pollTicker *MutableTicker
	overlay    *atomic.Bool
	palette    *atomic.Bool

	eg  *errgroup.Group
	ctx context.Context
	log *logrus.Logger
}

const defaultFramePoll = 100 * time.Millisecond

func NewLVServer(cam *Camera, log *logrus.Logger, ctx context.Context) *LVServer {
	eg, egCtx := errgroup.WithContext(ctx)

	return &LVServer{
		Frame:        nil,
		newFrameChan: make(chan bool, 1),

		fpsRate: ratecounter.NewRateCounter(time.Second),

		streamClients:  map[*websocket.Conn]bool{},
		controlClients: map[*websocket.Conn]bool{},

		cam: cam,

		pollTicker: NewMutableTicker(defaultFramePoll),
		overlay:    atomic.NewBool(false),
		palette:    atomic.NewBool(false),

		eg:  eg,
		ctx: egCtx,
		log: log,
	}
}

// HTTP handler / WebSocket

func (s *LVServer) HandleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("prefix", "lv.HandleStream").Errorf("failed to upgrade: %s", err)
		return
	}
	defer ws.Close()

	s.registerStreamClient(ws)
	for {
		var mes struct{}
		if err := ws.ReadJSON(&mes); err != nil {
			s.log.WithField("prefix", "lv.HandleStream").Errorf("failed to read a message: %s", err)
			s.unregisterStreamClient(ws)
			return
		}
	}
}

func (s *LVServer) registerStreamClient(c *websocket.Conn) {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	s.streamClients[c] = true
}

func (s *LVServer) unregisterStreamClient(c *websocket.Conn) {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	delete(s.streamClients, c)
}

type ControlPayload struct {
	PollMillis *int  `json:"poll_ms,omitempty"`
	Overlay    *bool `json:"overlay,omitempty"`
	Palette    *bool `json:"palette,omitempty"`
}

type InfoPayload struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
	Frame  []byte `json:"frame"`
}

func (s *LVServer) HandleControl(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("prefix", "lv.HandleControl").Errorf("failed to upgrade: %s", err)
		return
	}
	defer ws.Close()

	s.registerControlClient(ws)
	for {
		var p ControlPayload
		if err := ws.ReadJSON(&p); err != nil {
			s.log.WithField("prefix", "lv.HandleControl").Errorf("failed to read a message: %s", err)
			s.unregisterControlClient(ws)
			return
		}

		if p.PollMillis != nil {
			if *p.PollMillis < 1 {
				s.log.WithField("prefix", "lv.HandleControl").Errorf("invalid poll interval: %d", *p.PollMillis)
				continue
			}
			s.pollTicker.SetInterval(time.Duration(*p.PollMillis) * time.Millisecond)
			s.log.WithField("prefix", "lv.HandleControl").Debugf("set poll interval: %dms", *p.PollMillis)
		}

		if p.Overlay != nil {
			s.overlay.Store(*p.Overlay)
			s.log.WithField("prefix", "lv.HandleControl").Debugf("overlay: %v", *p.Overlay)
		}

		if p.Palette != nil {
			s.palette.Store(*p.Palette)
			s.log.WithField("prefix", "lv.HandleControl").Debugf("palette: %v", *p.Palette)
		}
	}
}

func (s *LVServer) registerControlClient(c *websocket.Conn) {
	s.controlLock.Lock()
	defer s.controlLock.Unlock()
	s.controlClients[c] = true
}

func (s *LVServer) unregisterControlClient(c *websocket.Conn) {
	s.controlLock.Lock()
	defer s.controlLock.Unlock()
	delete(s.controlClients, c)
}

// Workers

func (s *LVServer) Run() error {
	s.eg.Go(s.frameCaptor)
	s.eg.Go(s.workerBroadcastFrame)
	s.eg.Go(s.workerBroadcastInfo)
	return s.eg.Wait()
}

func (s *LVServer) frameCaptor() error {
	set := func(frame *LiveViewFrame) {
		s.frameLock.Lock()
		s.infoLock.Lock()
		defer s.frameLock.Unlock()
		defer s.infoLock.Unlock()

		s.Frame = frame.ViewportBytes()
		if frame.Viewport != nil {
			s.info.Width = int(frame.Viewport.VisibleWidth)
			s.info.Height = int(frame.Viewport.VisibleHeight)
		}
		select {
		case s.newFrameChan <- true:
		default:
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.pollTicker.C:
			// let's go!
		}

		frame, err := s.grabFrame()
		if err != nil {
			s.log.WithField("prefix", "lv.frameCaptor").Warning(err)
			time.Sleep(time.Second)
			continue
		}
		if frame == nil {
			// Camera echoed a parameter container; no frame this tick.
			continue
		}
		set(frame)
		s.fpsRate.Incr(1)
	}
}

// grabFrame serializes camera access; the device handle is not safe
// for concurrent transactions.
func (s *LVServer) grabFrame() (*LiveViewFrame, error) {
	s.camLock.Lock()
	defer s.camLock.Unlock()
	return s.cam.GetDisplayData(true, s.overlay.Load(), s.palette.Load())
}

func (s *LVServer) copyFrame() []byte {
	s.frameLock.Lock()
	defer s.frameLock.Unlock()
	return s.Frame[:]
}

func (s *LVServer) workerBroadcastFrame() error {
	broadcast := func(frame []byte) {
		s.streamLock.Lock()
		defer s.streamLock.Unlock()

		b64 := base64.StdEncoding.EncodeToString(frame)

		for c := range s.streamClients {
			if err := c.WriteMessage(websocket.TextMessage, []byte(b64)); err != nil {
				s.log.WithField("prefix", "lv.workerBroadcastFrame").Errorf("failed to send a frame: %s", err)
			}
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.newFrameChan:
		}

		frame := s.copyFrame()
		if len(frame) == 0 {
			continue
		}
		broadcast(frame)
	}
}

func (s *LVServer) workerBroadcastInfo() error {
	tick := time.NewTicker(time.Second)

	broadcast := func() {
		s.controlLock.Lock()
		s.infoLock.Lock()
		defer s.controlLock.Unlock()
		defer s.infoLock.Unlock()

		s.info.Frame = s.copyFrame()
		s.info.FPS = int(s.fpsRate.Rate())

		for c := range s.controlClients {
			j, err := json.Marshal(s.info)
			if err != nil {
				s.log.WithField("prefix", "lv.workerBroadcastInfo").Errorf("failed to marshal payload: %s", err)
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, j); err != nil {
				s.log.WithField("prefix", "lv.workerBroadcastInfo").Errorf("failed to send info: %s", err)
			}
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-tick.C:
			// let's go!
		}

		broadcast()
	}
}
