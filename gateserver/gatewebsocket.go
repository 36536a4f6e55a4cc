package gateserver

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcgate/btc-gateway-server/errcode"
	"github.com/btcgate/btc-gateway-server/model"
	"github.com/btcgate/btc-gateway-server/utils"

	"github.com/gorilla/websocket"
)

const (
	// websocketSendBufferSize is the number of snapshots a listener's send
	// channel can queue before further pushes are dropped.
	websocketSendBufferSize = 16

	websocketWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsListener is one live websocket subscription to one order.
type wsListener struct {
	orderID uint64
	conn    *websocket.Conn
	send    chan *model.OrderSnapshot
	quit    chan struct{}
	once    sync.Once
}

// NotificationHub tracks at most one live websocket listener per order and
// pushes order snapshots to it. The registry is checked-and-set under one
// lock so two simultaneous subscribers can never both succeed.
type NotificationHub struct {
	mtx       sync.Mutex
	listeners map[uint64]*wsListener

	wg       sync.WaitGroup
	shutdown int32
	quit     chan struct{}
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		listeners: make(map[uint64]*wsListener),
		quit:      make(chan struct{}),
	}
}

// HasListener reports whether the order currently has a live listener.
func (h *NotificationHub) HasListener(orderID uint64) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	_, ok := h.listeners[orderID]
	return ok
}

// NumListeners returns the number of live listeners.
func (h *NotificationHub) NumListeners() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.listeners)
}

// subscribe registers the connection as the order's single listener and
// starts its read/write pumps. It fails when another listener already holds
// the slot. The initial snapshot is queued before the listener is published
// to the registry, so no concurrent Push can deliver a newer state ahead of
// the state the listener subscribed at.
func (h *NotificationHub) subscribe(orderID uint64, conn *websocket.Conn,
	initial *model.OrderSnapshot) (*wsListener, error) {

	h.mtx.Lock()
	if _, ok := h.listeners[orderID]; ok {
		h.mtx.Unlock()
		return nil, errcode.ErrListenerExists
	}
	l := &wsListener{
		orderID: orderID,
		conn:    conn,
		send:    make(chan *model.OrderSnapshot, websocketSendBufferSize),
		quit:    make(chan struct{}),
	}
	l.send <- initial
	h.listeners[orderID] = l
	h.mtx.Unlock()

	h.wg.Add(2)
	go h.writeHandler(l)
	go h.readHandler(l)
	log.Debugf("Websocket listener registered for order %d", orderID)
	return l, nil
}

// Push delivers a snapshot to the order's listener, if any. It never blocks:
// a listener too slow to drain its buffer loses intermediate snapshots.
func (h *NotificationHub) Push(snapshot *model.OrderSnapshot) {
	h.mtx.Lock()
	l, ok := h.listeners[snapshot.ID]
	h.mtx.Unlock()
	if !ok {
		return
	}
	select {
	case l.send <- snapshot:
	default:
		log.Warnf("Listener for order %d is too slow, dropping snapshot", snapshot.ID)
	}
}

// remove unregisters the listener and closes its connection. Safe to call
// multiple times and from both pumps.
func (h *NotificationHub) remove(l *wsListener) {
	h.mtx.Lock()
	if cur, ok := h.listeners[l.orderID]; ok && cur == l {
		delete(h.listeners, l.orderID)
	}
	h.mtx.Unlock()

	l.once.Do(func() {
		close(l.quit)
		l.conn.Close()
		log.Debugf("Websocket listener for order %d removed", l.orderID)
	})
}

// writeHandler is the listener's single writer. It pushes snapshots out and
// tears the subscription down once a terminal snapshot has been delivered.
func (h *NotificationHub) writeHandler(l *wsListener) {
	defer utils.MyRecover()
	defer h.wg.Done()
	defer h.remove(l)

	for {
		select {
		case snapshot := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
			if err := l.conn.WriteJSON(snapshot); err != nil {
				log.Debugf("Websocket write for order %d failed: %v", l.orderID, err)
				return
			}
			if model.IsTerminal(snapshot.Status) {
				l.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "order completed"),
					time.Now().Add(websocketWriteWait))
				return
			}
		case <-l.quit:
			return
		case <-h.quit:
			return
		}
	}
}

// readHandler drains the connection so close frames and errors from the
// peer are noticed promptly.
func (h *NotificationHub) readHandler(l *wsListener) {
	defer utils.MyRecover()
	defer h.wg.Done()
	defer h.remove(l)

	for {
		if _, _, err := l.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Stop closes every live listener and waits for their pumps to exit.
func (h *NotificationHub) Stop() {
	if atomic.AddInt32(&h.shutdown, 1) != 1 {
		return
	}
	close(h.quit)

	h.mtx.Lock()
	listeners := make([]*wsListener, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mtx.Unlock()
	for _, l := range listeners {
		h.remove(l)
	}
	h.wg.Wait()
}

// handleWebsocket upgrades the request into the order's single notification
// stream. Conflicts are reported before the upgrade so plain HTTP clients
// see the contract status codes.
func (s *GateServer) handleWebsocket(w http.ResponseWriter, r *http.Request, orderIdent string) {
	ctx := r.Context()

	order, err := s.orderService.GetByIdentifier(ctx, s.db, orderIdent)
	if err != nil {
		writeError(w, err)
		return
	}
	if model.IsTerminal(order.Status) {
		writeError(w, errcode.ErrOrderCompleted)
		return
	}
	if s.hub.HasListener(order.ID) {
		writeError(w, errcode.ErrListenerExists)
		return
	}
	gateway, err := s.gatewayService.GetByID(ctx, s.db, order.GatewayID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Websocket upgrade failed: %v", err)
		return
	}

	// The current state goes out immediately so the listener never has to
	// poll for what it may have missed before subscribing.
	_, err = s.hub.subscribe(order.ID, conn, s.orderService.Snapshot(order, gateway))
	if err != nil {
		// Lost the check-and-set race against a concurrent subscriber.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(websocketWriteWait))
		conn.Close()
		return
	}
}
