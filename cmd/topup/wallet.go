package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"decenterai/internal/apiclient"
	"decenterai/internal/association"
	"decenterai/internal/chain"
	"decenterai/internal/config"
	"decenterai/internal/logging"
	"decenterai/internal/mirror"
)

// wallet bundles what every subcommand needs for the user's own key.
type wallet struct {
	cfg     *config.AppConfig
	chain   *chain.EVMChain
	checker *association.Checker
	api     *apiclient.Client
	log     *zap.Logger
}

func openWallet(ctx context.Context, configFile string) (*wallet, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Service.Env, os.Getenv("LOG_LEVEL"))
	if err != nil {
		return nil, err
	}

	c, err := chain.Dial(ctx, chain.Config{
		Name:          "settlement",
		RPCURL:        cfg.Settlement.RelayRPCURL,
		PrivateKeyHex: cfg.Client.PrivateKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect wallet: %w", err)
	}
	indexer := mirror.NewClient(cfg.Settlement.MirrorURL, cfg.Settlement.MirrorTimeout)
	return &wallet{
		cfg:     cfg,
		chain:   c,
		checker: association.NewChecker(indexer, cfg.Settlement.TokenID),
		api:     apiclient.NewClient(cfg.Client.APIURL, 0),
		log:     log,
	}, nil
}

func (w *wallet) Close() {
	w.chain.Close()
	_ = w.log.Sync()
}

func (w *wallet) token() common.Address {
	return common.HexToAddress(w.cfg.Settlement.TokenAddress)
}

func (w *wallet) bootstrapper() *association.Bootstrapper {
	return association.NewBootstrapper(
		association.DefaultBootstrapConfig(w.token()),
		w.chain,
		w.checker,
		w.api,
		association.NewFilePendingStore(w.cfg.Client.PendingPath),
		w.log,
	)
}
