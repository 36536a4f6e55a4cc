package callbackmgr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcgate/btc-gateway-server/model"
	"github.com/btcgate/btc-gateway-server/sigcheck"
	"github.com/btcgate/btc-gateway-server/utils"

	"github.com/btcsuite/go-socks/socks"
)

const (
	defaultWorkers        = 4
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 2 * time.Second
	defaultRequestTimeout = 30 * time.Second

	queueSize = 1024
)

// CallbackManager delivers order status notifications to merchant callback
// URLs. Deliveries are queued and drained by a pool of workers so a slow or
// dead merchant endpoint never blocks the order pollers. A failing delivery
// is retried with doubling backoff up to a bounded number of attempts and
// then dropped.
type CallbackManager struct {
	cfg        *model.CallbackConfig
	httpClient *http.Client

	queue chan *model.OrderNotification

	wg       sync.WaitGroup
	shutdown int32
	quit     chan struct{}
}

func NewCallbackManager(cfg *model.CallbackConfig) (*CallbackManager, error) {
	resolved := *cfg
	if resolved.Workers <= 0 {
		resolved.Workers = defaultWorkers
	}
	if resolved.MaxAttempts <= 0 {
		resolved.MaxAttempts = defaultMaxAttempts
	}
	if resolved.InitialBackoff <= 0 {
		resolved.InitialBackoff = defaultInitialBackoff
	}
	if resolved.RequestTimeout <= 0 {
		resolved.RequestTimeout = defaultRequestTimeout
	}

	var transport http.RoundTripper
	if resolved.Proxy != "" {
		proxy := &socks.Proxy{Addr: resolved.Proxy}
		transport = &http.Transport{Dial: proxy.Dial}
		log.Infof("Callback delivery using SOCKS5 proxy %s", resolved.Proxy)
	}

	return &CallbackManager{
		cfg: &resolved,
		httpClient: &http.Client{
			Timeout:   resolved.RequestTimeout,
			Transport: transport,
		},
		queue: make(chan *model.OrderNotification, queueSize),
		quit:  make(chan struct{}),
	}, nil
}

// Start launches the delivery workers.
func (m *CallbackManager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.deliveryHandler(i)
	}
	log.Infof("Callback manager started with %d worker(s)", m.cfg.Workers)
}

// Enqueue queues a notification for delivery. It never blocks: when the
// queue is full the notification is dropped with a warning. Notifications
// for gateways without a callback URL are ignored.
func (m *CallbackManager) Enqueue(n *model.OrderNotification) {
	if n.CallbackURL == "" {
		return
	}
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}
	select {
	case m.queue <- n:
	default:
		log.Warnf("Callback queue full, dropping notification for order %d", n.Snapshot.ID)
	}
}

// QueueLen returns the number of notifications waiting for a worker.
func (m *CallbackManager) QueueLen() int {
	return len(m.queue)
}

func (m *CallbackManager) deliveryHandler(id int) {
	defer utils.MyRecover()
	defer m.wg.Done()

	log.Tracef("Callback worker %d started", id)
	for {
		select {
		case n := <-m.queue:
			m.deliverWithRetry(n)
		case <-m.quit:
			log.Tracef("Callback worker %d stopped", id)
			return
		}
	}
}

// deliverWithRetry attempts the delivery up to MaxAttempts times, doubling
// the backoff after every failure. The order's final state is reported in
// the log either way.
func (m *CallbackManager) deliverWithRetry(n *model.OrderNotification) {
	backoff := m.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := m.deliver(n)
		if err == nil {
			log.Debugf("Callback for order %d delivered to %s (attempt %d)",
				n.Snapshot.ID, n.CallbackURL, attempt)
			return
		}
		if attempt >= m.cfg.MaxAttempts {
			log.Errorf("Callback for order %d to %s dropped after %d attempt(s): %v",
				n.Snapshot.ID, n.CallbackURL, attempt, err)
			return
		}
		log.Warnf("Callback for order %d to %s failed (attempt %d): %v",
			n.Snapshot.ID, n.CallbackURL, attempt, err)

		select {
		case <-time.After(backoff):
		case <-m.quit:
			return
		}
		backoff *= 2
	}
}

// deliver posts the order snapshot to the merchant callback URL. The body
// is signed with the gateway secret so the merchant can authenticate the
// notification.
func (m *CallbackManager) deliver(n *model.OrderNotification) error {
	body, err := json.Marshal(n.Snapshot)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, n.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	nonce := strconv.FormatInt(time.Now().UnixNano(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sigcheck.NonceHeader, nonce)
	req.Header.Set(sigcheck.SignatureHeader, sigcheck.SignPayload(n.Secret, body, nonce))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (m *CallbackManager) Stop() error {
	if atomic.AddInt32(&m.shutdown, 1) != 1 {
		log.Infof("Callback manager is already in the process of shutting down")
		return nil
	}
	log.Infof("Callback manager shutting down...")
	close(m.quit)
	m.wg.Wait()
	log.Infof("Callback manager shutdown complete")
	return nil
}
