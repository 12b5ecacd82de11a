package warden

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	natsd "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
	"github.com/scraperwall/warden/config"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/metrics"
	log "github.com/sirupsen/logrus"
)

// NATS subjects
const (
	SubjectDecisions = "warden.decisions"
	SubjectThreats   = "warden.threats"
	SubjectRequests  = "requests"
)

const telemetryBuffer = 4096

type natsAuth struct {
	User     string
	Password string
}

func (na *natsAuth) Check(c natsd.ClientAuthentication) bool {
	return c.GetOpts().Username == na.User && c.GetOpts().Password == na.Password
}

type telemetryMessage struct {
	subject string
	payload interface{}
}

// Telemetry publishes decisions and threat indicators to NATS and optionally ingests
// requests that remote log shippers publish. Publishing never blocks the caller;
// messages are dropped when the buffer is full
type Telemetry struct {
	server  *natsd.Server
	conn    *nats.Conn
	jsonc   *nats.EncodedConn
	out     chan telemetryMessage
	subs    []*nats.Subscription
	wg      sync.WaitGroup
	mutex   sync.Mutex
	started bool
}

// NewTelemetry connects to the NATS server at cfg.NatsAddr. Without an address an
// embedded server is started on cfg.NatsPort
func NewTelemetry(cfg *config.Config) (*Telemetry, error) {
	t := &Telemetry{
		out: make(chan telemetryMessage, telemetryBuffer),
	}

	addr := cfg.NatsAddr
	if addr == "" {
		if cfg.NatsPort <= 0 {
			return nil, errors.New("neither a NATS address nor a port is configured")
		}
		nopts := &natsd.Options{
			Host: "127.0.0.1",
			Port: cfg.NatsPort,
			CustomClientAuthentication: &natsAuth{
				User:     cfg.NatsUser,
				Password: cfg.NatsPassword,
			},
			MaxConn:    1 << 12,
			MaxPending: 1 << 30,
			NoLog:      true,
			NoSigs:     true,
		}
		if cfg.NatsHTTPPort > 0 {
			nopts.HTTPPort = cfg.NatsHTTPPort
		}

		t.server = natsd.New(nopts)
		go t.server.Start()
		if !t.server.ReadyForConnections(2 * time.Second) {
			t.server.Shutdown()
			return nil, errors.New("nats server failed to startup")
		}
		addr = fmt.Sprintf("nats://127.0.0.1:%d/", cfg.NatsPort)
	}

	natsSlowLogFunc := func(c *nats.Conn, s *nats.Subscription, err error) {
		if s == nil {
			log.Warnf("nats error: %v", err)
			return
		}
		pnum, psize, _ := s.Pending()
		delivered, _ := s.Delivered()
		dropped, _ := s.Dropped()

		log.Warnf("nats error: %s del: %d / drop: %d / pend: %d/%d / err: %v", s.Subject, delivered, dropped, pnum, psize, err)
	}

	var err error
	t.conn, err = nats.Connect(addr, nats.ErrorHandler(natsSlowLogFunc), nats.UserInfo(cfg.NatsUser, cfg.NatsPassword))
	if err != nil {
		t.shutdownServer()
		return nil, fmt.Errorf("nats connect %s: %w", addr, err)
	}

	t.jsonc, err = nats.NewEncodedConn(t.conn, nats.JSON_ENCODER)
	if err != nil {
		t.conn.Close()
		t.shutdownServer()
		return nil, err
	}

	log.Infof("telemetry connected to %s", addr)
	return t, nil
}

// Start launches the publisher. Buffered messages are flushed when ctx is done
func (t *Telemetry) Start(ctx context.Context) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.started {
		return
	}
	t.started = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				t.drain()
				return
			case m := <-t.out:
				t.publish(m)
			}
		}
	}()
}

// PublishDecision publishes a decision that did not admit r
func (t *Telemetry) PublishDecision(r *data.RequestEvent, d data.SecurityDecision) {
	t.enqueue(SubjectDecisions, data.NewDecisionMessage(r, d))
}

// PublishThreat publishes a threat indicator
func (t *Telemetry) PublishThreat(ti *data.ThreatIndicator) {
	t.enqueue(SubjectThreats, ti)
}

// Ingest subscribes fn to requests published by remote log shippers
func (t *Telemetry) Ingest(fn func(*data.RequestEvent)) error {
	sub, err := t.jsonc.Subscribe(SubjectRequests, fn)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectRequests, err)
	}
	if err := sub.SetPendingLimits(200000, 1024*1024*1024); err != nil { // 200.000 messages or 1GB
		log.Warnf("pending limits of %s: %s", SubjectRequests, err)
	}

	t.mutex.Lock()
	t.subs = append(t.subs, sub)
	t.mutex.Unlock()
	return nil
}

// Close unsubscribes, waits for the publisher and disconnects. The publisher only
// stops once the context passed to Start is done
func (t *Telemetry) Close() {
	t.mutex.Lock()
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warnf("unsubscribe %s: %s", sub.Subject, err)
		}
	}
	t.subs = nil
	t.mutex.Unlock()

	t.wg.Wait()
	t.jsonc.Close()
	t.shutdownServer()
}

func (t *Telemetry) enqueue(subject string, payload interface{}) {
	select {
	case t.out <- telemetryMessage{subject: subject, payload: payload}:
	default:
		metrics.IncTelemetry(subject, errors.New("buffer full"))
	}
}

func (t *Telemetry) publish(m telemetryMessage) {
	err := t.jsonc.Publish(m.subject, m.payload)
	if err != nil {
		log.Debugf("publish %s: %s", m.subject, err)
	}
	metrics.IncTelemetry(m.subject, err)
}

func (t *Telemetry) drain() {
	for {
		select {
		case m := <-t.out:
			t.publish(m)
		default:
			if err := t.jsonc.FlushTimeout(time.Second); err != nil {
				log.Debugf("telemetry flush: %s", err)
			}
			return
		}
	}
}

func (t *Telemetry) shutdownServer() {
	if t.server != nil {
		t.server.Shutdown()
	}
}
