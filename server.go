package main

import (
	"github.com/btcgate/btc-gateway-server/callbackmgr"
	"github.com/btcgate/btc-gateway-server/chainclient"
	"github.com/btcgate/btc-gateway-server/gateserver"
	"github.com/btcgate/btc-gateway-server/model"
	"github.com/btcgate/btc-gateway-server/ordermgr"
	"github.com/btcgate/btc-gateway-server/walletclient"

	"gorm.io/gorm"
)

type server struct {
	orderManager    *ordermgr.OrderManager
	callbackManager *callbackmgr.CallbackManager
	gateServer      *gateserver.GateServer
}

// newServer wires the managers together: the order manager drives the state
// machine, the callback manager and the gate server's websocket hub both
// subscribe to its transitions, and the gate server exposes everything over
// HTTP.
func newServer(chainClient *chainclient.RPCClient, walletClient *walletclient.RPCClient,
	db *gorm.DB) (*server, error) {

	orderMgr := ordermgr.NewOrderManager(chainClient, db, &model.PollConfig{
		Interval: cfg.PollInterval,
	})

	callbackMgr, err := callbackmgr.NewCallbackManager(&model.CallbackConfig{
		Workers:        cfg.CallbackWorkers,
		MaxAttempts:    cfg.CallbackMaxAttempts,
		InitialBackoff: cfg.CallbackBackoff,
		RequestTimeout: cfg.CallbackTimeout,
		Proxy:          cfg.Proxy,
	})
	if err != nil {
		return nil, err
	}
	orderMgr.Subscribe(callbackMgr.Enqueue)

	gateSvr, err := gateserver.NewGateServer(&gateserver.Config{
		Listeners: cfg.Listeners,
		Throttle: model.ThrottleConfig{
			RequestsLimit: cfg.RequestsLimit,
			Period:        cfg.ThrottlePeriod,
		},
	}, db, orderMgr, walletClient)
	if err != nil {
		return nil, err
	}

	return &server{
		orderManager:    orderMgr,
		callbackManager: callbackMgr,
		gateServer:      gateSvr,
	}, nil
}

func (s *server) Start() error {
	s.callbackManager.Start()
	s.orderManager.Start()
	return s.gateServer.Start()
}

func (s *server) Stop() {
	s.gateServer.Stop()
	s.orderManager.Stop()
	s.callbackManager.Stop()
}
