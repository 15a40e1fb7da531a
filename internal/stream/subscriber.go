// Package stream maintains the MQTT session against the CarData
// streaming broker. It owns its reconnect policy: one doubling backoff
// between attempts, reset after every accepted CONNACK, with
// credentials re-read at each attempt so rotated tokens apply on the
// next reconnect without tearing down a live session.
package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/pkg/log"
)

// Handler receives each decoded telemetry batch. It must not block;
// it runs on the session's read loop.
type Handler func(msg cardata.StreamMessage)

// Defaults applied to Config fields left at their zero value.
const (
	DefaultBroker         = "customer.streaming-cardata.bmwgroup.com:9000"
	DefaultKeepAlive      = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectMin   = 5 * time.Second
	DefaultReconnectMax   = 300 * time.Second
	DefaultTopicRoot      = "cardata"
	DefaultClientIDSuffix = "-bridge"
)

// Config holds the static parameters of the telemetry stream.
type Config struct {
	// Broker is the host:port of the streaming endpoint. Always TLS.
	Broker string

	// GCID is the account id. It doubles as the MQTT username and,
	// with ClientIDSuffix appended, as the client id.
	GCID string

	// VINs are the vehicles whose telemetry topics get subscribed.
	VINs []string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration

	// InsecureSkipVerify disables TLS certificate checks. Testing only.
	InsecureSkipVerify bool

	TopicRoot      string
	ClientIDSuffix string
}

func setConfigDefaults(cfg *Config) {
	if cfg.Broker == "" {
		cfg.Broker = DefaultBroker
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = DefaultTopicRoot
	}
	if cfg.ClientIDSuffix == "" {
		cfg.ClientIDSuffix = DefaultClientIDSuffix
	}
}

// Subscriber consumes the per-vehicle telemetry topics and hands
// decoded batches to the handler. It keeps reconnecting until Stop or
// context cancellation.
type Subscriber struct {
	cfg     *Config
	vins    []string
	handler Handler
	logger  log.Logger
	dialer  *dialer
	topics  *topicBuilder
	fsm     *lifecycle
	backoff *backoff
	now     func() time.Time

	// mu guards the credentials and the started flag. The id token is
	// read under it at every connection attempt.
	mu        sync.Mutex
	idToken   string
	liveToken string
	started   bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSubscriber creates a Subscriber. The initial id token is pushed
// via UpdateToken before Start.
func NewSubscriber(cfg *Config, handler Handler, logger log.Logger) (*Subscriber, error) {
	if cfg == nil {
		return nil, fmt.Errorf("stream config is required")
	}

	setConfigDefaults(cfg)

	if cfg.GCID == "" {
		return nil, fmt.Errorf("invalid stream config: gcid is required")
	}
	if len(cfg.VINs) == 0 {
		return nil, fmt.Errorf("invalid stream config: at least one vehicle is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("invalid stream config: handler is required")
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		return nil, fmt.Errorf("invalid stream config: reconnect-max %s below reconnect-min %s",
			cfg.ReconnectMax, cfg.ReconnectMin)
	}

	vins := make([]string, len(cfg.VINs))
	copy(vins, cfg.VINs)

	streamLog := logger.WithName("stream")

	return &Subscriber{
		cfg:     cfg,
		vins:    vins,
		handler: handler,
		logger:  streamLog,
		dialer: &dialer{
			broker:  cfg.Broker,
			timeout: cfg.ConnectTimeout,
			tlsConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		},
		topics:  newTopicBuilder(cfg.TopicRoot),
		fsm:     newLifecycle(streamLog),
		backoff: newBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
		now:     time.Now,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the run loop. Calling it again, or after Stop, is a
// no-op.
func (s *Subscriber) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if s.fsm.Current() == StateStopped {
			return
		}
		runCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.started = true
		s.mu.Unlock()
		go s.run(runCtx)
	})
}

// Stop cancels the run loop, disconnects cleanly and waits for it to
// wind down. Safe to call more than once, or before Start.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		cancel := s.cancel
		s.mu.Unlock()
		if started {
			cancel()
			<-s.done
		}
		s.fsm.fire(context.Background(), eventStop)
	})
}

// State reports the current lifecycle state.
func (s *Subscriber) State() string {
	return s.fsm.Current()
}

// UpdateToken installs a fresh id token for the next connection
// attempt. A live session keeps the credential it connected with; if
// that one has already expired, the broker may drop the session at any
// time, so a warning is logged.
func (s *Subscriber) UpdateToken(idToken string) {
	s.mu.Lock()
	s.idToken = idToken
	live := s.liveToken
	s.mu.Unlock()

	if s.State() != StateConnected || live == "" || live == idToken {
		return
	}
	if exp, ok := tokenExpiry(live); ok && exp.Before(s.now()) {
		s.logger.Warn("Stream session credential has expired; the broker may drop the connection, the new token applies on reconnect",
			"expired_at", exp)
	}
}

func (s *Subscriber) credentials() (username, password, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.GCID, s.idToken, s.cfg.GCID + s.cfg.ClientIDSuffix
}

func (s *Subscriber) setLiveToken(tok string) {
	s.mu.Lock()
	s.liveToken = tok
	s.mu.Unlock()
}

func (s *Subscriber) clearLiveToken() {
	s.setLiveToken("")
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("Starting telemetry stream", "broker", s.cfg.Broker, "vehicles", len(s.vins))

	for {
		if ctx.Err() != nil {
			return
		}
		s.fsm.fire(ctx, eventConnect)

		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fsm.fire(ctx, eventLost)
			delay := s.backoff.Next()
			s.logger.Error(err, "Stream connection attempt failed", "broker", s.cfg.Broker, "retry_in", delay)
			if !s.sleep(ctx, delay) {
				return
			}
			continue
		}

		s.backoff.Reset()
		s.fsm.fire(ctx, eventEstablished)
		s.logger.Info("Telemetry stream connected", "broker", s.cfg.Broker, "topics", len(s.vins))

		select {
		case <-ctx.Done():
			conn.close()
			return
		case err := <-conn.errCh:
			conn.close()
			s.clearLiveToken()
			s.fsm.fire(ctx, eventLost)
			delay := s.backoff.Next()
			s.logger.Error(err, "Telemetry stream connection lost", "retry_in", delay)
			if !s.sleep(ctx, delay) {
				return
			}
		}
	}
}

// sleep waits for d unless the context ends first.
func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// tokenExpiry reads the exp claim without verifying the signature. The
// broker already validated the token; only the timestamp matters here.
func tokenExpiry(raw string) (time.Time, bool) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
