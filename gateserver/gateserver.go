package gateserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcgate/btc-gateway-server/dal/do"
	"github.com/btcgate/btc-gateway-server/errcode"
	"github.com/btcgate/btc-gateway-server/model"
	"github.com/btcgate/btc-gateway-server/ordermgr"
	"github.com/btcgate/btc-gateway-server/service"
	"github.com/btcgate/btc-gateway-server/sigcheck"
	"github.com/btcgate/btc-gateway-server/throttle"
	"github.com/btcgate/btc-gateway-server/utils"
	"github.com/btcgate/btc-gateway-server/walletclient"

	"gorm.io/gorm"
)

// Config holds the options of the public HTTP server.
type Config struct {
	// Listeners are the addresses to listen on, e.g. "0.0.0.0:8080".
	Listeners []string
	// Throttle is the default rate limit applied to unsigned requests on
	// gateways that do not configure their own.
	Throttle model.ThrottleConfig
}

// GateServer is the public HTTP surface of the gateway: order creation,
// order status queries, cancellation and the websocket notification
// endpoint. All domain decisions live in the services and managers; the
// server only routes, authenticates and renders.
type GateServer struct {
	cfg *Config
	db  *gorm.DB

	orderMgr *ordermgr.OrderManager
	provider walletclient.AddressProvider

	gatewayService service.GatewayService
	orderService   service.OrderService

	validator *sigcheck.Validator
	limiter   *throttle.Limiter
	hub       *NotificationHub

	httpServer *http.Server
	listeners  []net.Listener

	wg       sync.WaitGroup
	shutdown int32
	quit     chan struct{}
}

// dbNonceAdvancer backs signature validation with the persisted per-gateway
// nonce column, so replay protection survives restarts.
type dbNonceAdvancer struct {
	db             *gorm.DB
	gatewayService service.GatewayService
}

func (a *dbNonceAdvancer) Advance(gatewayID uint64, nonce uint64) (bool, error) {
	return a.gatewayService.AdvanceNonce(context.Background(), a.db, gatewayID, nonce)
}

func NewGateServer(cfg *Config, db *gorm.DB, orderMgr *ordermgr.OrderManager,
	provider walletclient.AddressProvider) (*GateServer, error) {

	limiter, err := throttle.NewLimiter()
	if err != nil {
		return nil, err
	}

	gatewayService := service.GetGatewayService()
	s := &GateServer{
		cfg:            cfg,
		db:             db,
		orderMgr:       orderMgr,
		provider:       provider,
		gatewayService: gatewayService,
		orderService:   service.GetOrderService(),
		validator:      sigcheck.NewValidator(&dbNonceAdvancer{db: db, gatewayService: gatewayService}),
		limiter:        limiter,
		hub:            NewNotificationHub(),
		quit:           make(chan struct{}),
	}

	// Every persisted status transition is pushed to the order's websocket
	// listener, if any.
	orderMgr.Subscribe(func(n *model.OrderNotification) {
		s.hub.Push(n.Snapshot)
	})
	return s, nil
}

// Hub returns the websocket notification hub.
func (s *GateServer) Hub() *NotificationHub {
	return s.hub
}

// Start begins listening on the configured addresses.
func (s *GateServer) Start() error {
	s.httpServer = &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	for _, addr := range s.cfg.Listeners {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("unable to listen on %s: %v", addr, err)
		}
		s.listeners = append(s.listeners, listener)

		s.wg.Add(1)
		go func(l net.Listener) {
			defer utils.MyRecover()
			defer s.wg.Done()
			log.Infof("Gateway server listening on %s", l.Addr())
			err := s.httpServer.Serve(l)
			if err != nil && err != http.ErrServerClosed {
				log.Errorf("Serve on %s stopped: %v", l.Addr(), err)
			}
		}(listener)
	}
	return nil
}

func (s *GateServer) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.Infof("Gateway server is already in the process of shutting down")
		return nil
	}
	log.Infof("Gateway server shutting down...")
	close(s.quit)
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.hub.Stop()
	s.wg.Wait()
	log.Infof("Gateway server shutdown complete")
	return nil
}

// ServeHTTP routes requests. The surface is small enough that explicit path
// matching beats pulling in a router.
func (s *GateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer utils.MyRecover()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "gateways" && parts[2] == "orders" && r.Method == http.MethodPost:
		s.handleCreateOrder(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "gateways" && parts[2] == "last_keychain_id" && r.Method == http.MethodGet:
		s.handleLastKeychainID(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "orders" && r.Method == http.MethodGet:
		s.handleGetOrder(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "orders" && parts[2] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelOrder(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "orders" && parts[2] == "ws" && r.Method == http.MethodGet:
		s.handleWebsocket(w, r, parts[1])
	default:
		writeError(w, errcode.New(http.StatusNotFound, "not found"))
	}
}

// authenticate runs the admission chain of a mutating request: gateways that
// require signed requests get signature validation and skip the throttle;
// everything else is throttled per client.
func (s *GateServer) authenticate(r *http.Request, gateway *do.GatewayInfo) error {
	if gateway.CheckSignature {
		params := make(map[string]string, len(r.Form))
		for k, vs := range r.Form {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
		return s.validator.Validate(gateway.ID, gateway.Secret, r.Method, r.URL.Path,
			params, r.Header.Get(sigcheck.NonceHeader), r.Header.Get(sigcheck.SignatureHeader))
	}
	return s.throttleCheck(r, gateway)
}

func (s *GateServer) throttleCheck(r *http.Request, gateway *do.GatewayInfo) error {
	limit := gateway.RequestsLimit
	period := time.Duration(gateway.ThrottlePeriod) * time.Second
	if limit <= 0 {
		limit = s.cfg.Throttle.RequestsLimit
		period = s.cfg.Throttle.Period
	}
	// Buckets are keyed by the caller alone. Keying on the gateway as well
	// would hand every client a fresh budget per gateway.
	clientKey := remoteHost(r)
	if !s.limiter.Allow(clientKey, limit, period) {
		log.Debugf("Throttled client %s on gateway %d", remoteHost(r), gateway.ID)
		return errcode.ErrThrottled
	}
	return nil
}

func (s *GateServer) handleCreateOrder(w http.ResponseWriter, r *http.Request, gatewayIdent string) {
	ctx := r.Context()

	gateway, err := s.gatewayService.GetByIdentifier(ctx, s.db, gatewayIdent)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, errcode.New(http.StatusBadRequest, "malformed request body"))
		return
	}
	if err := s.authenticate(r, gateway); err != nil {
		writeError(w, err)
		return
	}

	params := &service.CreateOrderParams{
		Description:  r.Form.Get("description"),
		Data:         r.Form.Get("data"),
		CallbackData: r.Form.Get("callback_data"),
		HasOrderID:   r.Form.Has("order_id"),
	}
	if r.Form.Has("amount") {
		amount, err := strconv.ParseInt(r.Form.Get("amount"), 10, 64)
		if err != nil {
			writeError(w, errcode.New(http.StatusConflict, "amount must be an integer"))
			return
		}
		params.Amount = &amount
	}
	if r.Form.Has("keychain_id") {
		keychainID, err := strconv.ParseUint(r.Form.Get("keychain_id"), 10, 64)
		if err != nil {
			writeError(w, errcode.New(http.StatusConflict, "keychain_id must be a positive integer"))
			return
		}
		params.KeychainID = &keychainID
	}
	if params.Data != "" && !json.Valid([]byte(params.Data)) {
		params.DataIsString = true
	}

	order, err := s.gatewayService.CreateOrder(ctx, s.db, gateway, params, s.provider)
	if err != nil {
		writeError(w, err)
		return
	}
	s.orderMgr.StartPolling(order.ID)
	writeJSON(w, s.orderService.Snapshot(order, gateway))
}

func (s *GateServer) handleLastKeychainID(w http.ResponseWriter, r *http.Request, gatewayIdent string) {
	gateway, err := s.gatewayService.GetByIdentifier(r.Context(), s.db, gatewayIdent)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.throttleCheck(r, gateway); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"last_keychain_id": gateway.LastKeychainID})
}

func (s *GateServer) handleGetOrder(w http.ResponseWriter, r *http.Request, orderIdent string) {
	ctx := r.Context()

	order, err := s.orderService.GetByIdentifier(ctx, s.db, orderIdent)
	if err != nil {
		writeError(w, err)
		return
	}
	gateway, err := s.gatewayService.GetByID(ctx, s.db, order.GatewayID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.throttleCheck(r, gateway); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.orderService.Snapshot(order, gateway))
}

func (s *GateServer) handleCancelOrder(w http.ResponseWriter, r *http.Request, orderIdent string) {
	ctx := r.Context()

	order, err := s.orderService.GetByIdentifier(ctx, s.db, orderIdent)
	if err != nil {
		writeError(w, err)
		return
	}
	gateway, err := s.gatewayService.GetByID(ctx, s.db, order.GatewayID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, errcode.New(http.StatusBadRequest, "malformed request body"))
		return
	}
	if err := s.authenticate(r, gateway); err != nil {
		writeError(w, err)
		return
	}

	if err := s.orderMgr.CancelOrder(ctx, order.ID); err != nil {
		writeError(w, err)
		return
	}
	order, err = s.orderService.GetByID(ctx, s.db, order.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.orderService.Snapshot(order, gateway))
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Unable to encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := errcode.AsAPIError(err)
	if !ok {
		log.Errorf("Internal error serving request: %v", err)
		apiErr = errcode.New(http.StatusInternalServerError, "internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus)
	if err := json.NewEncoder(w).Encode(&errorResponse{Error: apiErr.Message}); err != nil {
		log.Errorf("Unable to encode error response: %v", err)
	}
}
