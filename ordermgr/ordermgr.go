package ordermgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcgate/btc-gateway-server/chainclient"
	"github.com/btcgate/btc-gateway-server/dal/do"
	"github.com/btcgate/btc-gateway-server/model"
	"github.com/btcgate/btc-gateway-server/service"
	"github.com/btcgate/btc-gateway-server/utils"

	"gorm.io/gorm"
)

// orderPoller is the handle of one running polling task. Its goroutine is
// the only writer that ever evaluates this order's state machine, so ticks
// for one order are naturally serialized.
type orderPoller struct {
	orderID  uint64
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (p *orderPoller) stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	<-p.done
}

// OrderManager owns the pool of per-order polling tasks: exactly one task
// per non-terminal order, started at order creation (and at boot for
// resumed orders), stopped permanently once the order reaches a terminal
// status or gets cancelled. It fans persisted status transitions out to
// subscribers (websocket hub, callback delivery).
type OrderManager struct {
	chain        chainclient.BlockchainSource
	db           *gorm.DB
	pollInterval time.Duration

	gatewayService service.GatewayService
	orderService   service.OrderService

	ntfnsMtx sync.Mutex
	ntfns    []func(*model.OrderNotification)

	pollersMtx sync.Mutex
	pollers    map[uint64]*orderPoller

	wg       sync.WaitGroup
	shutdown int32
	quit     chan struct{}
}

func NewOrderManager(chain chainclient.BlockchainSource, db *gorm.DB, cfg *model.PollConfig) *OrderManager {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &OrderManager{
		chain:          chain,
		db:             db,
		pollInterval:   interval,
		gatewayService: service.GetGatewayService(),
		orderService:   service.GetOrderService(),
		pollers:        make(map[uint64]*orderPoller),
		quit:           make(chan struct{}),
	}
}

// Subscribe registers a handler invoked after every persisted status
// transition. Handlers run on the poller goroutine and must not block;
// anything slow (callback delivery) has to queue internally.
func (m *OrderManager) Subscribe(fn func(*model.OrderNotification)) {
	m.ntfnsMtx.Lock()
	m.ntfns = append(m.ntfns, fn)
	m.ntfnsMtx.Unlock()
}

func (m *OrderManager) notify(n *model.OrderNotification) {
	m.ntfnsMtx.Lock()
	handlers := m.ntfns
	m.ntfnsMtx.Unlock()
	for _, fn := range handlers {
		fn(n)
	}
}

// Start resumes the polling tasks of every order that was still unfinished
// when the process last stopped.
func (m *OrderManager) Start() {
	m.wg.Add(1)
	go m.resumeHandler()
}

func (m *OrderManager) resumeHandler() {
	defer utils.MyRecover()
	defer m.wg.Done()

	ctx := context.Background()
	m.logInventory(ctx)

	orders, err := m.orderService.GetAllUnfinished(ctx, m.db)
	if err != nil {
		log.Errorf("Unable to load unfinished orders for polling resume: %v", err)
		return
	}
	for _, order := range orders {
		m.StartPolling(order.ID)
	}
	if len(orders) > 0 {
		log.Infof("Resumed polling for %d unfinished order(s)", len(orders))
	}
}

// logInventory prints a startup summary of the gateways and orders on
// record.
func (m *OrderManager) logInventory(ctx context.Context) {
	gateways, err := m.gatewayService.GetAll(ctx, m.db)
	if err != nil {
		log.Errorf("Unable to load gateways for the startup summary: %v", err)
		return
	}
	total, err := m.orderService.Count(ctx, m.db)
	if err != nil {
		log.Errorf("Unable to count orders for the startup summary: %v", err)
		return
	}
	log.Infof("Serving %d gateway(s) with %d order(s) on record", len(gateways), total)
	for _, gateway := range gateways {
		num, err := m.orderService.CountByGateway(ctx, m.db, gateway.ID)
		if err != nil {
			continue
		}
		log.Debugf("Gateway %d (%s): %d order(s)", gateway.ID, gateway.Name, num)
	}
}

// StartPolling launches the polling task for the given order if it is not
// running yet. Safe to call multiple times.
func (m *OrderManager) StartPolling(orderID uint64) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}

	m.pollersMtx.Lock()
	if _, ok := m.pollers[orderID]; ok {
		m.pollersMtx.Unlock()
		return
	}
	p := &orderPoller{
		orderID: orderID,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.pollers[orderID] = p
	m.pollersMtx.Unlock()

	m.wg.Add(1)
	go m.pollHandler(p)
}

// StopPolling synchronously stops the order's polling task. It only returns
// after the task's goroutine has exited, so no tick for this order can run
// afterwards.
func (m *OrderManager) StopPolling(orderID uint64) {
	m.pollersMtx.Lock()
	p, ok := m.pollers[orderID]
	m.pollersMtx.Unlock()
	if !ok {
		return
	}
	p.stop()
}

// NumPollers returns the number of currently running polling tasks.
func (m *OrderManager) NumPollers() int {
	m.pollersMtx.Lock()
	defer m.pollersMtx.Unlock()
	return len(m.pollers)
}

func (m *OrderManager) pollHandler(p *orderPoller) {
	defer utils.MyRecover()
	defer m.wg.Done()
	defer close(p.done)
	defer func() {
		m.pollersMtx.Lock()
		delete(m.pollers, p.orderID)
		m.pollersMtx.Unlock()
	}()

	log.Debugf("Polling task for order %d started", p.orderID)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if terminal := m.pollOnce(p.orderID); terminal {
				log.Debugf("Polling task for order %d finished", p.orderID)
				return
			}
		case <-p.quit:
			log.Debugf("Polling task for order %d stopped", p.orderID)
			return
		case <-m.quit:
			return
		}
	}
}

// pollOnce runs one tick of the order's state machine: fetch the observed
// transactions, re-evaluate, persist and notify on change. It reports
// whether the order reached a terminal status and polling must stop.
func (m *OrderManager) pollOnce(orderID uint64) bool {
	ctx := context.Background()

	order, err := m.orderService.GetByID(ctx, m.db, orderID)
	if err != nil {
		log.Errorf("Polling order %d: unable to load order: %v", orderID, err)
		return false
	}
	if model.IsTerminal(order.Status) {
		return true
	}

	gateway, err := m.gatewayService.GetByID(ctx, m.db, order.GatewayID)
	if err != nil {
		log.Errorf("Polling order %d: unable to load gateway %d: %v", orderID, order.GatewayID, err)
		return false
	}

	if gateway.OrderExpirationPeriod > 0 &&
		time.Since(order.CreatedAt) > time.Duration(gateway.OrderExpirationPeriod)*time.Second {
		expired, err := m.orderService.Expire(ctx, m.db, order.ID)
		if err != nil {
			log.Errorf("Polling order %d: unable to expire: %v", orderID, err)
			return false
		}
		if expired {
			order.Status = model.StatusExpired
			m.notifyOrder(gateway, order)
		}
		return true
	}

	txs, err := m.chain.FetchTransactions(ctx, order.Address)
	if err != nil {
		// Transient backend failures are recovered locally: the tick
		// is skipped and the next one retries.
		log.Warnf("Polling order %d: fetching transactions for %s failed: %v", orderID, order.Address, err)
		return false
	}

	eval := model.EvaluateStatus(order.Status, order.Amount, gateway.ConfirmationsRequired, txs)
	changed, err := m.orderService.ApplyEvaluation(ctx, m.db, order, eval)
	if err != nil {
		log.Errorf("Polling order %d: unable to persist evaluation: %v", orderID, err)
		return false
	}
	if changed {
		m.notifyOrder(gateway, order)
	}
	return model.IsTerminal(order.Status)
}

func (m *OrderManager) notifyOrder(gateway *do.GatewayInfo, order *do.OrderInfo) {
	m.notify(&model.OrderNotification{
		GatewayID:   gateway.ID,
		CallbackURL: gateway.CallbackURL,
		Secret:      gateway.Secret,
		Snapshot:    m.orderService.Snapshot(order, gateway),
	})
}

// CancelOrder cancels the order and synchronously stops its polling task
// before returning, so no late tick can resurrect a cancelled order's
// notifications. Cancellation is only legal while the order is still new.
func (m *OrderManager) CancelOrder(ctx context.Context, orderID uint64) error {
	err := m.orderService.Cancel(ctx, m.db, orderID)
	if err != nil {
		return err
	}
	m.StopPolling(orderID)

	order, err := m.orderService.GetByID(ctx, m.db, orderID)
	if err != nil {
		return err
	}
	gateway, err := m.gatewayService.GetByID(ctx, m.db, order.GatewayID)
	if err != nil {
		return err
	}
	m.notifyOrder(gateway, order)
	return nil
}

func (m *OrderManager) Stop() error {
	if atomic.AddInt32(&m.shutdown, 1) != 1 {
		log.Infof("Order manager is already in the process of shutting down")
		return nil
	}
	log.Infof("Order manager shutting down...")
	close(m.quit)
	m.wg.Wait()
	log.Infof("Order manager shutdown complete")
	return nil
}
