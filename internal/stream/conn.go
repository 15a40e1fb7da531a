package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/internal/pkg/metrics"
	"github.com/BertilJ/bmw-data/pkg/log"
)

// subscribeQoS is the delivery guarantee requested for telemetry
// topics. The broker re-delivers unacknowledged messages at QoS 1.
const subscribeQoS = 1

// dialer opens TLS sessions to the streaming broker.
type dialer struct {
	broker    string
	timeout   time.Duration
	tlsConfig *tls.Config
}

func (d *dialer) dial(ctx context.Context) (net.Conn, error) {
	td := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.timeout},
		Config:    d.tlsConfig,
	}
	conn, err := td.DialContext(ctx, "tcp", d.broker)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.broker, err)
	}
	return conn, nil
}

// connection is one MQTT session. It lives until the first transport
// error; reconnecting always builds a fresh one.
type connection struct {
	client *paho.Client
	conn   net.Conn
	errCh  chan error
	logger log.Logger
}

// report hands a terminal connection error to the run loop. Only the
// first error matters, later ones are dropped.
func (c *connection) report(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// close sends a clean DISCONNECT and tears the socket down. Safe to
// call on an already-broken session.
func (c *connection) close() {
	if err := c.client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		c.logger.Debug("MQTT disconnect", "err", err)
	}
	_ = c.conn.Close()
}

// connect performs one full connection attempt: dial, CONNECT with the
// current credentials, SUBSCRIBE to every vehicle topic. On any failure
// the socket is closed and an error returned; the caller owns backoff.
func (s *Subscriber) connect(ctx context.Context) (*connection, error) {
	username, password, clientID := s.credentials()

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.dial(attemptCtx)
	if err != nil {
		return nil, err
	}

	c := &connection{
		conn:   conn,
		errCh:  make(chan error, 2),
		logger: s.logger,
	}
	c.client = paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			s.route,
		},
		OnClientError: func(err error) {
			c.report(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.report(disconnectError(d))
		},
	})

	ca, err := c.client.Connect(attemptCtx, &paho.Connect{
		ClientID:     clientID,
		Username:     username,
		UsernameFlag: true,
		Password:     []byte(password),
		PasswordFlag: true,
		CleanStart:   true,
		KeepAlive:    uint16(s.cfg.KeepAlive / time.Second),
	})
	if err != nil {
		_ = conn.Close()
		if ca != nil && ca.ReasonCode != 0 {
			return nil, fmt.Errorf("broker rejected connection: %s", connackReason(ca))
		}
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if ca.ReasonCode != 0 {
		_ = conn.Close()
		return nil, fmt.Errorf("broker rejected connection: %s", connackReason(ca))
	}
	s.setLiveToken(password)

	sub := &paho.Subscribe{}
	for _, vin := range s.vins {
		sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{
			Topic: s.topics.Telemetry(vin),
			QoS:   subscribeQoS,
		})
	}
	if _, err := c.client.Subscribe(attemptCtx, sub); err != nil {
		c.close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	return c, nil
}

// route dispatches an incoming publish. Malformed payloads are counted
// and dropped, the session stays up.
func (s *Subscriber) route(pr paho.PublishReceived) (bool, error) {
	topic := pr.Packet.Topic
	msg, err := cardata.DecodeStreamPayload(s.topics.VIN(topic), pr.Packet.Payload)
	if err != nil {
		metrics.StreamMessagesTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("Dropping malformed stream payload", "topic", topic, "err", err)
		return true, nil
	}
	s.handler(msg)
	return true, nil
}

func connackReason(ca *paho.Connack) string {
	if ca.Properties != nil && ca.Properties.ReasonString != "" {
		return fmt.Sprintf("%s (reason code %d)", ca.Properties.ReasonString, ca.ReasonCode)
	}
	return fmt.Sprintf("reason code %d", ca.ReasonCode)
}

func disconnectError(d *paho.Disconnect) error {
	if d.Properties != nil && d.Properties.ReasonString != "" {
		return fmt.Errorf("server disconnect: %s (reason code %d)", d.Properties.ReasonString, d.ReasonCode)
	}
	return fmt.Errorf("server disconnect: reason code %d", d.ReasonCode)
}
