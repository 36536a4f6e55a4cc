package callbackmgr

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcgate/btc-gateway-server/model"
	"github.com/btcgate/btc-gateway-server/sigcheck"

	"github.com/stretchr/testify/require"
)

type receivedCallback struct {
	snapshot  model.OrderSnapshot
	nonce     string
	signature string
	body      []byte
}

// callbackSink records every delivery and fails the first failures requests.
type callbackSink struct {
	mtx      sync.Mutex
	failures int
	got      []receivedCallback
}

func (s *callbackSink) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.failures > 0 {
		s.failures--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var snapshot model.OrderSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.got = append(s.got, receivedCallback{
		snapshot:  snapshot,
		nonce:     r.Header.Get(sigcheck.NonceHeader),
		signature: r.Header.Get(sigcheck.SignatureHeader),
		body:      body,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *callbackSink) received() []receivedCallback {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]receivedCallback, len(s.got))
	copy(out, s.got)
	return out
}

func newTestManager(t *testing.T, maxAttempts int) *CallbackManager {
	t.Helper()
	m, err := NewCallbackManager(&model.CallbackConfig{
		Workers:        2,
		MaxAttempts:    maxAttempts,
		InitialBackoff: 5 * time.Millisecond,
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() { m.Stop() })
	return m
}

func newNotification(url string, orderID uint64) *model.OrderNotification {
	return &model.OrderNotification{
		GatewayID:   1,
		CallbackURL: url,
		Secret:      "secret",
		Snapshot: &model.OrderSnapshot{
			ID:        orderID,
			PaymentID: "pay-1",
			Status:    model.StatusPaid,
			Amount:    10,
		},
	}
}

func TestCallbackManager_DeliversSignedSnapshot(t *testing.T) {
	sink := &callbackSink{}
	srv := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer srv.Close()

	m := newTestManager(t, 3)
	m.Enqueue(newNotification(srv.URL, 7))

	require.Eventually(t, func() bool { return len(sink.received()) == 1 },
		2*time.Second, 10*time.Millisecond)

	got := sink.received()[0]
	require.Equal(t, uint64(7), got.snapshot.ID)
	require.Equal(t, int64(model.StatusPaid), got.snapshot.Status)
	require.NotEmpty(t, got.nonce)
	require.Equal(t, sigcheck.SignPayload("secret", got.body, got.nonce), got.signature)
}

func TestCallbackManager_RetriesWithBackoff(t *testing.T) {
	sink := &callbackSink{failures: 2}
	srv := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer srv.Close()

	m := newTestManager(t, 5)
	m.Enqueue(newNotification(srv.URL, 8))

	require.Eventually(t, func() bool { return len(sink.received()) == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(8), sink.received()[0].snapshot.ID)
}

func TestCallbackManager_GivesUpAfterMaxAttempts(t *testing.T) {
	sink := &callbackSink{failures: 100}
	srv := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer srv.Close()

	m := newTestManager(t, 2)
	m.Enqueue(newNotification(srv.URL, 9))

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, sink.received())
}

func TestCallbackManager_IgnoresEmptyCallbackURL(t *testing.T) {
	m := newTestManager(t, 3)
	m.Enqueue(newNotification("", 10))
	require.Zero(t, m.QueueLen())
}
