package gateserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/btcgate/btc-gateway-server/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func wsURL(srvURL, orderIdent string) string {
	return "ws" + strings.TrimPrefix(srvURL, "http") + "/orders/" + orderIdent + "/ws"
}

func readSnapshot(t *testing.T, conn *websocket.Conn) *model.OrderSnapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var snapshot model.OrderSnapshot
	require.NoError(t, json.Unmarshal(msg, &snapshot))
	return &snapshot
}

func TestNotificationHub_ImmediateSnapshot(t *testing.T) {
	ts := newTestServer(t, nil)
	snapshot, _ := ts.createOrder(t, url.Values{"amount": {"10"}})
	require.NotNil(t, snapshot)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, snapshot.PaymentID), nil)
	require.NoError(t, err)
	defer conn.Close()

	got := readSnapshot(t, conn)
	require.Equal(t, snapshot.ID, got.ID)
	require.Equal(t, int64(model.StatusNew), got.Status)
	require.Equal(t, 1, ts.gate.Hub().NumListeners())
}

func TestNotificationHub_InitialSnapshotPrecedesPushes(t *testing.T) {
	hub := NewNotificationHub()
	defer hub.Stop()

	initial := &model.OrderSnapshot{ID: 7, Status: model.StatusNew}
	paid := &model.OrderSnapshot{ID: 7, Status: model.StatusPaid}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, err := hub.subscribe(7, conn, initial); err != nil {
			return
		}
		// A transition lands right behind the subscription. The listener
		// must still see the state it subscribed at first.
		hub.Push(paid)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	got := readSnapshot(t, conn)
	require.Equal(t, int64(model.StatusNew), got.Status)
	got = readSnapshot(t, conn)
	require.Equal(t, int64(model.StatusPaid), got.Status)
}

func TestNotificationHub_SingleListenerPerOrder(t *testing.T) {
	ts := newTestServer(t, nil)
	snapshot, _ := ts.createOrder(t, url.Values{"amount": {"10"}})
	require.NotNil(t, snapshot)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, snapshot.PaymentID), nil)
	require.NoError(t, err)
	defer conn.Close()
	readSnapshot(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, snapshot.PaymentID), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "someone is already listening to that order", errorMessage(t, resp))

	// The slot frees up once the first listener disconnects.
	conn.Close()
	require.Eventually(t, func() bool { return ts.gate.Hub().NumListeners() == 0 },
		2*time.Second, 10*time.Millisecond)

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, snapshot.PaymentID), nil)
	require.NoError(t, err)
	defer conn2.Close()
	readSnapshot(t, conn2)
}

func TestNotificationHub_CompletedOrderRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	snapshot, _ := ts.createOrder(t, url.Values{"amount": {"10"}})
	require.NotNil(t, snapshot)

	resp, err := http.Post(ts.srv.URL+"/orders/"+snapshot.PaymentID+"/cancel", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, snapshot.PaymentID), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "you cannot listen to this order because it is completed",
		errorMessage(t, resp))
}

func TestNotificationHub_PushesTransitionsAndClosesOnTerminal(t *testing.T) {
	ts := newTestServer(t, nil)
	snapshot, _ := ts.createOrder(t, url.Values{"amount": {"10"}})
	require.NotNil(t, snapshot)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, fmt.Sprintf("%d", snapshot.ID)), nil)
	require.NoError(t, err)
	defer conn.Close()
	readSnapshot(t, conn)

	// The payment arrives; the poller notices and the listener gets pushed
	// the persisted transition.
	ts.chain.setTransactions(snapshot.Address, []model.Transaction{
		{Amount: 10, Confirmations: 1, TID: "tid-1"},
	})

	got := readSnapshot(t, conn)
	require.Equal(t, int64(model.StatusPaid), got.Status)
	require.Equal(t, "tid-1", got.TID)

	// Terminal snapshot delivered, the hub tears the subscription down.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return ts.gate.Hub().NumListeners() == 0 },
		2*time.Second, 10*time.Millisecond)
}
