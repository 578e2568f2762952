package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/plantora/plantora/internal/model/entities"
	"github.com/plantora/plantora/internal/model/messages"
)

// Config holds the coordinator's connection settings.
type Config struct {
	ServerURL string // ws://host:port/ws
	UserID    string
	UserName  string

	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Coordinator owns the WebSocket connection to the server, keeps one Session
// per plant and routes inbound frames to them. Reconnects use exponential
// backoff with jitter; sessions survive a reconnect untouched.
type Coordinator struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	sessions  map[int64]*Session

	sendChan chan []byte
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	retry    *backoff.ExponentialBackOff

	// OnEvent, when set, observes every decoded inbound frame after the
	// session dispatch; the mobile UI hangs off this.
	OnEvent func(kind messages.ServerKind, raw []byte)
}

func New(cfg Config) *Coordinator {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.InitialRetryDelay
	retry.MaxInterval = cfg.MaxRetryDelay
	retry.Multiplier = cfg.BackoffMultiplier
	retry.RandomizationFactor = cfg.JitterPercent
	retry.MaxElapsedTime = 0 // reconnect forever

	return &Coordinator{
		cfg:      cfg,
		sessions: make(map[int64]*Session),
		sendChan: make(chan []byte, 64),
		stopChan: make(chan struct{}),
		retry:    retry,
	}
}

// Session returns the session for the plant, creating it on first use.
func (c *Coordinator) Session(plantID int64) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[plantID]
	if !ok {
		s = NewSession(plantID)
		c.sessions[plantID] = s
	}
	return s
}

func (c *Coordinator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start launches the connection loop and the countdown ticker.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.connectionLoop(ctx)
	go c.tickLoop(ctx)
}

// Stop shuts the coordinator down and waits for its loops. Safe to call more
// than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

// ---------------- user-facing commands ----------------

// StartManual opens the plant's valve for durationSec. The local session
// moves to Pending before the frame leaves; if sending fails the session is
// rolled back so the user can retry.
func (c *Coordinator) StartManual(plantID int64, durationSec int) error {
	s := c.Session(plantID)
	if err := s.StartManual(durationSec); err != nil {
		return err
	}
	if err := c.send(&messages.OpenValve{
		Type: messages.KindOpenValve, PlantID: plantID, DurationSec: durationSec,
	}); err != nil {
		s.HandleFail()
		return err
	}
	return nil
}

func (c *Coordinator) StartSmart(plantID int64) error {
	s := c.Session(plantID)
	if err := s.StartSmart(); err != nil {
		return err
	}
	if err := c.send(&messages.StartSmart{Type: messages.KindStartSmart, PlantID: plantID}); err != nil {
		s.HandleFail()
		return err
	}
	return nil
}

func (c *Coordinator) Pause(plantID int64) error  { return c.Session(plantID).Pause() }
func (c *Coordinator) Resume(plantID int64) error { return c.Session(plantID).Resume() }

// StopIrrigation requests the end of the running session, manual or smart.
func (c *Coordinator) StopIrrigation(plantID int64) error {
	s := c.Session(plantID)
	smart, err := s.Stop()
	if err != nil {
		return err
	}
	var msg any
	if smart {
		msg = &messages.StopSmart{Type: messages.KindStopSmart, PlantID: plantID}
	} else {
		msg = &messages.CloseValve{Type: messages.KindCloseValve, PlantID: plantID}
	}
	return c.send(msg)
}

func (c *Coordinator) ClearValveFault(plantID int64) error {
	return c.send(&messages.ClearValveFault{Type: messages.KindClearValveFault, PlantID: plantID})
}

func (c *Coordinator) AddPlant(details entities.PlantDetails) error {
	return c.send(&messages.AddPlant{Type: messages.KindAddPlant, Plant: details})
}

func (c *Coordinator) UpdatePlant(plantID, version int64, details entities.PlantDetails) error {
	return c.send(&messages.UpdatePlant{
		Type: messages.KindUpdatePlant, PlantID: plantID, Version: version, Details: details,
	})
}

func (c *Coordinator) DeletePlant(plantID int64) error {
	return c.send(&messages.DeletePlant{Type: messages.KindDeletePlant, PlantID: plantID})
}

func (c *Coordinator) RequestMoisture(plantName string) error {
	return c.send(&messages.GetMoisture{Type: messages.KindGetMoisture, PlantName: plantName})
}

func (c *Coordinator) send(msg any) error {
	payload := messages.Encode(msg)
	if payload == nil {
		return fmt.Errorf("encode %T failed", msg)
	}
	select {
	case c.sendChan <- payload:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

// ---------------- connection management ----------------

func (c *Coordinator) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Printf("session: connect failed: %v", err)
			c.waitForRetry()
			continue
		}
		c.retry.Reset()

		c.runLoops(ctx)

		log.Println("session: disconnected from server, reconnecting")
		c.disconnect()
		c.waitForRetry()
	}
}

func (c *Coordinator) connect() error {
	u := fmt.Sprintf("%s?user_id=%s&user_name=%s",
		c.cfg.ServerURL, url.QueryEscape(c.cfg.UserID), url.QueryEscape(c.cfg.UserName))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	log.Printf("session: connected to %s as %s", c.cfg.ServerURL, c.cfg.UserID)
	return nil
}

func (c *Coordinator) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Coordinator) waitForRetry() {
	select {
	case <-time.After(c.retry.NextBackOff()):
	case <-c.stopChan:
	}
}

func (c *Coordinator) runLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(done)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, done)
	}()
	wg.Wait()
}

func (c *Coordinator) readLoop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session: read error: %v", err)
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *Coordinator) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return

		case payload := <-c.sendChan:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("session: write error: %v", err)
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Coordinator) tickLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			sessions := make([]*Session, 0, len(c.sessions))
			for _, s := range c.sessions {
				sessions = append(sessions, s)
			}
			c.mu.Unlock()
			for _, s := range sessions {
				s.Tick()
			}
		}
	}
}

// dispatch feeds an inbound frame to the right session, then to the
// observer. Frames the session machine does not care about (plant CRUD
// results, garden events) go straight to the observer.
func (c *Coordinator) dispatch(raw []byte) {
	t, err := messages.PeekType(raw)
	if err != nil {
		log.Printf("session: bad frame from server: %v", err)
		return
	}
	kind := messages.ServerKind(t)

	var env struct {
		PlantID int64  `json:"plant_id"`
		Reason  string `json:"reason"`
		// smart progress carries the latest measurement
		Moisture int `json:"moisture"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("session: bad frame payload for %s: %v", kind, err)
		return
	}

	if env.PlantID != 0 {
		s := c.Session(env.PlantID)
		switch kind {
		case messages.KindValveOpened, messages.KindIrrigationStarted:
			s.HandleStarted()
		case messages.KindIrrigationProgress:
			s.HandleProgress(env.Moisture)
		case messages.KindValveClosed, messages.KindIrrigationFinished:
			s.HandleFinished()
		case messages.KindValveFail, messages.KindIrrigationFail:
			if env.Reason == messages.ReasonValveBlocked {
				s.HandleBlocked()
			} else {
				s.HandleFail()
			}
		case messages.KindGardenValveBlocked:
			s.HandleBlocked()
		case messages.KindGardenValveUnblocked:
			s.HandleUnblocked()
		}
	}

	if c.OnEvent != nil {
		c.OnEvent(kind, raw)
	}
}
