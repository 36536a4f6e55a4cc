package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"

	"github.com/btcgate/btc-gateway-server/chainclient"
	"github.com/btcgate/btc-gateway-server/dal"
	"github.com/btcgate/btc-gateway-server/model"
	"github.com/btcgate/btc-gateway-server/service"
	"github.com/btcgate/btc-gateway-server/walletclient"
)

var (
	cfg *config
)

func startProfileServer() {
	listenAddr := net.JoinHostPort("localhost", cfg.ProfilePort)
	gateLog.Infof("Profile server listening on %s", listenAddr)
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	gateLog.Errorf("%v", http.ListenAndServe(listenAddr, mux))
}

func gatewayMain() error {
	// Load configuration and parse command line. This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg

	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	defer gateLog.Info("Shutdown complete")

	// Enable http profiling server if requested.
	if cfg.ProfilePort != "" {
		go func() {
			startProfileServer()
		}()
	}

	// initiate database
	err = dal.InitDB(&dal.DBConfig{
		Username:     cfg.DbUsername,
		Password:     cfg.DbPassword,
		Address:      cfg.DbAddress,
		DatabaseName: cfg.DbName,
	}, !cfg.DisableAutoCreateDB)
	if err != nil {
		return err
	}

	// Seed the first gateway if the table is still empty and a bootstrap
	// gateway was configured.
	ctx := context.Background()
	tx := dal.GetDB(ctx)
	if cfg.GatewayName != "" {
		_, err = service.GetGatewayService().Bootstrap(ctx, tx, &model.GatewayBootstrap{
			Name:                  cfg.GatewayName,
			Secret:                cfg.GatewaySecret,
			CallbackURL:           cfg.GatewayCallbackURL,
			CheckSignature:        cfg.GatewayCheckSignature,
			TakesFees:             cfg.WalletTakesFees,
			ConfirmationsRequired: cfg.ConfirmationsRequired,
			OrderExpirationPeriod: cfg.OrderExpirationPeriod,
			RequestsLimit:         cfg.RequestsLimit,
			ThrottlePeriod:        int64(cfg.ThrottlePeriod.Seconds()),
		})
		if err != nil {
			return err
		}
	}

	chainClient, err := chainclient.NewRPCClient(&chainclient.Config{
		BaseURL:   cfg.ChainConnect,
		Username:  cfg.ChainRPCUser,
		Password:  cfg.ChainRPCPass,
		Proxy:     cfg.Proxy,
		ProxyUser: cfg.ProxyUser,
		ProxyPass: cfg.ProxyPass,
	})
	if err != nil {
		gateLog.Errorf("Unable to create the blockchain backend client: %v", err)
		return err
	}

	walletClient, err := walletclient.NewRPCClient(&walletclient.Config{
		BaseURL:   cfg.WalletConnect,
		Username:  cfg.WalletRPCUser,
		Password:  cfg.WalletRPCPass,
		TakesFees: cfg.WalletTakesFees,
	})
	if err != nil {
		gateLog.Errorf("Unable to create the address provider client: %v", err)
		return err
	}

	// create and start the server, including the order manager, callback
	// manager and the public HTTP/ws surface
	svr, err := newServer(chainClient, walletClient, tx)
	if err != nil {
		return err
	}
	if err := svr.Start(); err != nil {
		return err
	}

	addInterruptHandler(func() {
		svr.Stop()
	})

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems.
	<-interruptHandlersDone
	return nil
}

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := gatewayMain(); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}
