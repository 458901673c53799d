package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/p16-hash/polyterminal-automation/internal/circuitbreaker"
	"github.com/p16-hash/polyterminal-automation/internal/discovery"
	"github.com/p16-hash/polyterminal-automation/internal/execution"
	"github.com/p16-hash/polyterminal-automation/internal/feed"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/notify"
	"github.com/p16-hash/polyterminal-automation/internal/redeemlock"
	"github.com/p16-hash/polyterminal-automation/internal/settlement"
	"github.com/p16-hash/polyterminal-automation/internal/storage"
	"github.com/p16-hash/polyterminal-automation/internal/strategy"
	"github.com/p16-hash/polyterminal-automation/pkg/cache"
	"github.com/p16-hash/polyterminal-automation/pkg/chain"
	"github.com/p16-hash/polyterminal-automation/pkg/config"
	"github.com/p16-hash/polyterminal-automation/pkg/healthprobe"
	"github.com/p16-hash/polyterminal-automation/pkg/httpserver"
	"github.com/p16-hash/polyterminal-automation/pkg/wallet"
	"github.com/p16-hash/polyterminal-automation/pkg/websocket"
	"go.uber.org/zap"
)

const (
	setupTimeout     = 30 * time.Second
	hedgeCloseBuffer = 30 * time.Second
)

// Connection is the wallet's view of the chain: the oracle reader and
// redemption writer plus the balance and positions reader, over one RPC
// connection.
type Connection struct {
	Chain  *chain.Client
	Wallet *wallet.Client
	Key    *ecdsa.PrivateKey

	eth *ethclient.Client
}

// Close closes the RPC connection.
func (c *Connection) Close() {
	c.eth.Close()
}

// Connect dials POLYGON_RPC_URL. The private key is optional for read-only
// commands; without it the proxy address, if any, is the holder.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Connection, error) {
	var key *ecdsa.PrivateKey
	if cfg.PrivateKey != "" {
		parsed, err := chain.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		key = parsed
	}

	var proxy common.Address
	if cfg.ProxyAddress != "" {
		if !common.IsHexAddress(cfg.ProxyAddress) {
			return nil, fmt.Errorf("invalid proxy address %q", cfg.ProxyAddress)
		}
		proxy = common.HexToAddress(cfg.ProxyAddress)
	}

	chainClient, eth, err := chain.Dial(ctx, cfg.PolygonRPCURL, chain.Config{
		PrivateKey:         key,
		ProxyAddress:       proxy,
		ChainID:            big.NewInt(chain.PolygonChainID),
		GasLimit:           cfg.ChainGasLimit,
		GasPriceMultiplier: cfg.ChainGasPriceMultiplier,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect chain: %w", err)
	}

	walletClient, err := wallet.NewClient(&wallet.ClientConfig{
		Backend:    eth,
		DataAPIURL: cfg.PolymarketDataAPIURL,
		Logger:     logger,
	})
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("create wallet client: %w", err)
	}

	return &Connection{Chain: chainClient, Wallet: walletClient, Key: key, eth: eth}, nil
}

// NewStorage opens the configured storage backend.
func NewStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	if cfg.StorageMode == "postgres" {
		pgStorage, err := storage.NewPostgresStorage(ctx, &storage.PostgresConfig{
			DSN:    cfg.PostgresDSN(),
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create postgres storage: %w", err)
		}
		return pgStorage, nil
	}

	return storage.NewConsoleStorage(logger), nil
}

// NewSettlementEngine builds the engine shared by the trading process and the
// redeem commands.
func NewSettlementEngine(
	cfg *config.Config,
	logger *zap.Logger,
	conn *Connection,
	store storage.Storage,
	notifier notify.Sink,
) (*settlement.Engine, error) {
	locker, err := redeemlock.New(&redeemlock.Config{
		Path:    cfg.SettleLockPath,
		MaxHold: cfg.SettleConfirmTimeout * time.Duration(cfg.SettleMaxAttempts),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create redeem lock: %w", err)
	}

	return settlement.New(&settlement.Config{
		Oracle:         conn.Chain,
		Writer:         conn.Chain,
		Locker:         locker,
		Notifier:       notifier,
		Store:          store,
		OracleGrace:    cfg.SettleOracleGrace,
		PollInterval:   cfg.SettlePollInterval,
		MaxAttempts:    cfg.SettleMaxAttempts,
		RetryDelay:     cfg.SettleRetryDelay,
		ConfirmTimeout: cfg.SettleConfirmTimeout,
		LockTimeout:    cfg.SettleLockTimeout,
		Logger:         logger,
	})
}

// NewDiscovery builds market discovery over the Gamma API with a ristretto
// cache.
func NewDiscovery(cfg *config.Config, logger *zap.Logger) (*discovery.Service, error) {
	marketCache, err := cache.NewRistrettoCache(&cache.RistrettoConfig{
		MaxMarkets: 100,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create market cache: %w", err)
	}

	return discovery.New(&discovery.Config{
		Client:       discovery.NewClient(cfg.PolymarketGammaURL, logger),
		Cache:        marketCache,
		SlotDuration: cfg.MarketSlotDuration,
		Logger:       logger,
	})
}

// NewFeed builds both stream adapters and the aggregator over them. The
// streams are not connected.
func NewFeed(cfg *config.Config, logger *zap.Logger) (*feed.Streams, *feed.Aggregator, error) {
	streams, err := feed.NewStreams(feed.StreamsConfig{
		IndexURL:    cfg.FeedIndexWSURL,
		IndexSymbol: cfg.FeedIndexSymbol,
		BookURL:     cfg.FeedBookWSURL,
		Connection: websocket.Config{
			DialTimeout:           cfg.WSDialTimeout,
			PingInterval:          cfg.WSPingInterval,
			PongTimeout:           cfg.WSPongTimeout,
			ReconnectInitialDelay: cfg.WSReconnectInitialDelay,
			ReconnectMaxDelay:     cfg.WSReconnectMaxDelay,
			ReconnectBackoffMult:  cfg.WSReconnectBackoffMult,
			MessageBufferSize:     cfg.WSMessageBufferSize,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create streams: %w", err)
	}

	aggregator, err := feed.New(&feed.Config{
		Index:        streams.Index,
		Book:         streams.Book,
		MaxStaleness: cfg.FeedMaxStaleness,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create aggregator: %w", err)
	}

	return streams, aggregator, nil
}

// New creates a new application instance with production collaborators.
func New(cfg *config.Config, logger *zap.Logger, opts *Options) (a *App, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if opts == nil {
		opts = &Options{}
	}

	if cfg.PrivateKey == "" {
		return nil, errors.New("POLYMARKET_PRIVATE_KEY is required to trade")
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	var closers []func()
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	conn, err := Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, conn.Close)

	store, err := NewStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { _ = store.Close() })

	sinks := notify.Multi{notify.NewLogSink(logger)}

	var (
		botAPI   *tgbotapi.BotAPI
		telegram *notify.TelegramSink
	)
	if cfg.TelegramEnabled() {
		botAPI, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return nil, fmt.Errorf("connect telegram: %w", err)
		}

		telegram, err = notify.NewTelegramSink(&notify.TelegramConfig{
			Sender:        botAPI,
			ChatID:        cfg.TelegramChatID,
			RatePerSecond: cfg.NotifyRateLimit,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create telegram sink: %w", err)
		}
		sinks = append(sinks, telegram)
	}

	holder := conn.Chain.Holder()

	breaker, err := circuitbreaker.New(&circuitbreaker.Config{
		WalletClient:    conn.Wallet,
		Address:         holder,
		MinBalance:      ledger.AmountFromFloat(cfg.MinBalanceUSD),
		HysteresisRatio: cfg.BalanceHysteresisRatio,
		CheckInterval:   cfg.BalanceCheckInterval,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}

	orderClient, err := execution.NewOrderClient(&execution.ClientConfig{
		BaseURL:       cfg.PolymarketClobURL,
		APIKey:        cfg.PolymarketAPIKey,
		Secret:        cfg.PolymarketSecret,
		Passphrase:    cfg.PolymarketPassphrase,
		PrivateKey:    conn.Key,
		ProxyAddress:  cfg.ProxyAddress,
		SignatureType: cfg.SignatureType,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create order client: %w", err)
	}

	gateway, err := execution.NewGateway(&execution.GatewayConfig{
		Client: orderClient,
		Gate:   breaker,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	tracker, err := execution.NewFillTracker(&execution.TrackerConfig{
		Client: orderClient,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create fill tracker: %w", err)
	}

	markets, err := NewDiscovery(cfg, logger)
	if err != nil {
		return nil, err
	}

	streams, aggregator, err := NewFeed(cfg, logger)
	if err != nil {
		return nil, err
	}

	engine, err := NewSettlementEngine(cfg, logger, conn, store, sinks)
	if err != nil {
		return nil, err
	}

	policyName := cfg.TradingPolicy
	if opts.Policy != "" {
		policyName = opts.Policy
	}

	policy, err := strategy.New(&strategy.Config{
		Name:           policyName,
		TargetCombined: ledger.AmountFromFloat(cfg.HedgeTargetCombined),
		MaxUnpaired:    ledger.AmountFromFloat(cfg.HedgeMaxUnpaired),
		CloseBuffer:    hedgeCloseBuffer,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create policy: %w", err)
	}

	walletTracker, err := wallet.New(&wallet.Config{
		Source:       conn.Wallet,
		Address:      holder,
		PollInterval: cfg.BalanceCheckInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create wallet tracker: %w", err)
	}

	a, err = build(cfg, logger, Deps{
		Feed:     aggregator,
		Markets:  markets,
		Gateway:  gateway,
		Tracker:  tracker,
		Settler:  engine,
		Wallet:   conn.Wallet,
		Holder:   holder,
		Policy:   policy,
		Storage:  store,
		Notifier: sinks,
		Breaker:  breaker,
	})
	if err != nil {
		return nil, err
	}

	a.streams = streams
	a.balanceCheck = breaker
	a.telegram = telegram
	a.walletTracker = walletTracker
	a.closers = []func(){conn.Close}

	a.healthChecker = healthprobe.New()
	a.healthChecker.AddCheck("feed", func() error {
		_, snapErr := aggregator.Snapshot(time.Now())
		return snapErr
	})

	a.httpServer = httpserver.New(&httpserver.Config{
		Port:          cfg.HTTPPort,
		Logger:        logger,
		HealthChecker: a.healthChecker,
		Backend:       a,
	})

	if botAPI != nil {
		a.bot, err = notify.NewCommandBot(&notify.BotConfig{
			Updater:  botAPI,
			Sender:   botAPI,
			ChatID:   cfg.TelegramChatID,
			Commands: a,
			Logger:   logger,
		})
		if err != nil {
			a.cancel()
			return nil, fmt.Errorf("create command bot: %w", err)
		}
	}

	logger.Info("application-configured",
		zap.String("policy", policy.Name()),
		zap.String("symbol", cfg.MarketSymbol),
		zap.String("holder", holder.Hex()),
		zap.String("storage", cfg.StorageMode),
		zap.Bool("telegram", cfg.TelegramEnabled()),
		zap.Bool("auto-redeem", cfg.SettleAutoRedeem))

	return a, nil
}
