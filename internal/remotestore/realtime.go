package remotestore

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const (
	reconnectBaseDelay   = 250 * time.Millisecond
	reconnectMaxDelay    = 30 * time.Second
	reconnectJitterRatio = 0.2
)

// StreamObserver receives stream health signals; implemented by the
// metrics collector. All methods must be cheap and non-blocking.
type StreamObserver interface {
	StreamReconnected(resource string)
	EventDropped(resource string)
}

// SetStreamObserver installs an optional observer for all streams opened
// by this client after the call.
func (c *HTTPClient) SetStreamObserver(obs StreamObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamObs = obs
}

func (c *HTTPClient) observer() StreamObserver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamObs
}

// SubscribeChanges opens a websocket push subscription for one resource.
// The stream reconnects on transport drops with capped exponential backoff
// and emits a ChangeResync event after every successful reconnect so the
// consumer knows to re-fetch its snapshot.
func (c *HTTPClient) SubscribeChanges(ctx context.Context, resource string, kinds []ChangeKind) (Stream, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, &HTTPError{StatusCode: 400, Code: "bad_request", Message: "resource is required"}
	}
	if len(kinds) == 0 {
		kinds = []ChangeKind{ChangeInsert, ChangeUpdate, ChangeDelete}
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s := &changeStream{
		client:   c,
		resource: resource,
		kinds:    kinds,
		logger:   c.logger.With(zap.String("resource", resource)),
		events:   make(chan ChangeEvent, 16),
		ctx:      streamCtx,
		cancel:   cancel,
		// One dial per second sustained, small burst for the initial
		// connect plus an immediate retry.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	go s.run()
	return s, nil
}

type changeStream struct {
	client   *HTTPClient
	resource string
	kinds    []ChangeKind
	logger   *zap.Logger
	events   chan ChangeEvent
	ctx      context.Context
	cancel   context.CancelFunc
	limiter  *rate.Limiter
	rng      *rand.Rand

	mu  sync.Mutex
	err error
}

func (s *changeStream) Events() <-chan ChangeEvent { return s.events }

func (s *changeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *changeStream) Close() error {
	s.cancel()
	return nil
}

func (s *changeStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *changeStream) run() {
	defer close(s.events)
	attempt := 0
	connected := false
	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			s.setErr(err)
			return
		}
		conn, err := s.dial()
		if err != nil {
			if s.ctx.Err() != nil {
				s.setErr(s.ctx.Err())
				return
			}
			attempt++
			s.logger.Warn("change stream dial failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			if waitErr := waitWithContext(s.ctx, s.reconnectDelay(attempt)); waitErr != nil {
				s.setErr(waitErr)
				return
			}
			continue
		}
		attempt = 0
		if connected {
			if obs := s.client.observer(); obs != nil {
				obs.StreamReconnected(s.resource)
			}
			if !s.deliver(ChangeEvent{Kind: ChangeResync, Resource: s.resource}) {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
		}
		connected = true

		readErr := s.readLoop(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		if s.ctx.Err() != nil {
			s.setErr(s.ctx.Err())
			return
		}
		s.logger.Warn("change stream dropped, reconnecting", zap.Error(readErr))
	}
}

func (s *changeStream) dial() (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("resource", s.resource)
	kinds := make([]string, 0, len(s.kinds))
	for _, kind := range s.kinds {
		kinds = append(kinds, string(kind))
	}
	q.Set("events", strings.Join(kinds, ","))

	wsURL := httpToWS(s.client.baseURL) + "/v1/realtime?" + q.Encode()
	// The websocket dialer rejects clients with a Timeout set; the stream
	// lives far longer than any single request.
	httpClient := s.client.httpClient
	if httpClient != nil && httpClient.Timeout > 0 {
		clone := *httpClient
		clone.Timeout = 0
		httpClient = &clone
	}
	opts := &websocket.DialOptions{
		HTTPClient: httpClient,
		HTTPHeader: s.client.authHeader(),
	}
	conn, _, err := websocket.Dial(s.ctx, wsURL, opts)
	return conn, err
}

func (s *changeStream) readLoop(conn *websocket.Conn) error {
	for {
		msgType, frame, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := validateEventFrame(frame); err != nil {
			s.logger.Warn("dropping malformed change event", zap.Error(err))
			if obs := s.client.observer(); obs != nil {
				obs.EventDropped(s.resource)
			}
			continue
		}
		var wire struct {
			EventID  string          `json:"eventId"`
			Kind     ChangeKind      `json:"kind"`
			Resource string          `json:"resource"`
			Row      json.RawMessage `json:"row"`
		}
		if err := json.Unmarshal(frame, &wire); err != nil {
			s.logger.Warn("dropping undecodable change event", zap.Error(err))
			if obs := s.client.observer(); obs != nil {
				obs.EventDropped(s.resource)
			}
			continue
		}
		delivered := s.deliver(ChangeEvent{
			EventID:  wire.EventID,
			Kind:     wire.Kind,
			Resource: wire.Resource,
			Row:      wire.Row,
		})
		if !delivered {
			return s.ctx.Err()
		}
	}
}

func (s *changeStream) deliver(ev ChangeEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *changeStream) reconnectDelay(attempt int) time.Duration {
	delay := reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			delay = reconnectMaxDelay
			break
		}
	}
	jitter := 1 + ((s.rng.Float64()*2)-1)*reconnectJitterRatio
	jittered := time.Duration(float64(delay) * jitter)
	if jittered < time.Millisecond {
		return time.Millisecond
	}
	if jittered > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return jittered
}

func httpToWS(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
