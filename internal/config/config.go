package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// AppConfig ties together every section the server and the CLI read.
type AppConfig struct {
	Service    ServiceConfig
	Settlement SettlementConfig
	Reward     RewardConfig
	Payment    PaymentConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	RabbitMQ   RabbitMQConfig
	Session    SessionConfig
	Operator   OperatorConfig
	Client     ClientConfig
}

type ServiceConfig struct {
	Env               string
	HTTPPort          int
	ShutdownTimeout   time.Duration
	IdempotencyWindow time.Duration
}

// SettlementConfig describes the ledger the stablecoin is paid on.
type SettlementConfig struct {
	MirrorURL     string
	MirrorTimeout time.Duration
	RelayRPCURL   string
	// OperatorKey funds fresh wallets with native currency.
	OperatorKey      string
	TokenID          string
	TokenAddress     string
	TokenDecimals    uint8
	ReceiverAddress  string
	ExplorerURL      string
	FundingThreshold int64
	FundingAmountWei string
}

type RewardConfig struct {
	RPCURL       string
	PrivateKey   string
	TokenAddress string
	Decimals     uint8
	ExplorerURL  string
}

type PaymentConfig struct {
	CreditsPerUnit       int64
	VerificationDelay    time.Duration
	VerificationWindow   time.Duration
	VerificationAttempts int
	VerificationInterval time.Duration
	ReconcileSchedule    string
	ReconcileAfter       time.Duration
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	URL             string
	Prefix          string
	AssociateLimit  int
	AssociateWindow time.Duration
	PaymentLimit    int
	PaymentWindow   time.Duration
}

type RabbitMQConfig struct {
	URL string
}

type SessionConfig struct {
	Secret       string
	TTL          time.Duration
	SecureCookie bool
}

type OperatorConfig struct {
	HMACSecret string
	ClockSkew  time.Duration
}

// ClientConfig is read by the top-up CLI.
type ClientConfig struct {
	APIURL      string
	PrivateKey  string
	PendingPath string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("API_HTTP_PORT", 3000)
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("IDEMPOTENCY_WINDOW", "10m")

	v.SetDefault("MIRROR_URL", "https://testnet.mirrornode.hedera.com/api/v1")
	v.SetDefault("MIRROR_TIMEOUT", "10s")
	v.SetDefault("HEDERA_RELAY_RPC_URL", "https://testnet.hashio.io/api")
	v.SetDefault("USDC_TOKEN_ID", "0.0.429274")
	v.SetDefault("USDC_TOKEN_ADDRESS", "0x0000000000000000000000000000000000068cda")
	v.SetDefault("USDC_DECIMALS", 6)
	v.SetDefault("SETTLEMENT_RECEIVER_ADDRESS", "0x00000000000000000000000000000000006ddaeb")
	v.SetDefault("SETTLEMENT_EXPLORER_URL", "https://hashscan.io/testnet/transaction/")
	v.SetDefault("FUNDING_THRESHOLD_TINYBAR", 50_000_000)
	v.SetDefault("FUNDING_AMOUNT_WEIBAR", "500000000000000000")

	v.SetDefault("REWARD_RPC_URL", "https://dream-rpc.somnia.network")
	v.SetDefault("REWARD_TOKEN_DECIMALS", 18)
	v.SetDefault("REWARD_EXPLORER_URL", "https://shannon-explorer.somnia.network")

	v.SetDefault("CREDITS_PER_UNIT", 100)
	v.SetDefault("VERIFICATION_DELAY", "10s")
	v.SetDefault("VERIFICATION_WINDOW", "5m")
	v.SetDefault("VERIFICATION_ATTEMPTS", 5)
	v.SetDefault("VERIFICATION_INTERVAL", "3s")
	v.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	v.SetDefault("RECONCILE_AFTER", "10m")

	v.SetDefault("REDIS_RATE_LIMIT_PREFIX", "decenterai:rate_limit")
	v.SetDefault("ASSOCIATE_RATE_LIMIT", 5)
	v.SetDefault("ASSOCIATE_RATE_WINDOW", "1m")
	v.SetDefault("PAYMENT_RATE_LIMIT", 20)
	v.SetDefault("PAYMENT_RATE_WINDOW", "1m")

	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("OPERATOR_CLOCK_SKEW", "60s")

	v.SetDefault("TOPUP_API_URL", "http://localhost:3000")
	v.SetDefault("TOPUP_PENDING_PATH", ".decenterai/pending-association.json")
}

// Load reads configuration from the environment and an optional config file
// (any format viper understands). Environment values win.
func Load(configFile string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("REWARD_PRIVATE_KEY", "REWARD_PRIVATE_KEY", "TREASURY_PRIVATE_KEY")
	_ = v.BindEnv("HEDERA_OPERATOR_KEY", "HEDERA_OPERATOR_KEY", "HEDERA_ACCOUNT_PRIVATE_KEY")
	_ = v.BindEnv("API_HTTP_PORT", "API_HTTP_PORT", "PORT")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			Env:               v.GetString("APP_ENV"),
			HTTPPort:          v.GetInt("API_HTTP_PORT"),
			ShutdownTimeout:   v.GetDuration("SHUTDOWN_TIMEOUT"),
			IdempotencyWindow: v.GetDuration("IDEMPOTENCY_WINDOW"),
		},
		Settlement: SettlementConfig{
			MirrorURL:        v.GetString("MIRROR_URL"),
			MirrorTimeout:    v.GetDuration("MIRROR_TIMEOUT"),
			RelayRPCURL:      v.GetString("HEDERA_RELAY_RPC_URL"),
			OperatorKey:      v.GetString("HEDERA_OPERATOR_KEY"),
			TokenID:          v.GetString("USDC_TOKEN_ID"),
			TokenAddress:     v.GetString("USDC_TOKEN_ADDRESS"),
			TokenDecimals:    uint8(v.GetUint("USDC_DECIMALS")),
			ReceiverAddress:  v.GetString("SETTLEMENT_RECEIVER_ADDRESS"),
			ExplorerURL:      v.GetString("SETTLEMENT_EXPLORER_URL"),
			FundingThreshold: v.GetInt64("FUNDING_THRESHOLD_TINYBAR"),
			FundingAmountWei: v.GetString("FUNDING_AMOUNT_WEIBAR"),
		},
		Reward: RewardConfig{
			RPCURL:       v.GetString("REWARD_RPC_URL"),
			PrivateKey:   v.GetString("REWARD_PRIVATE_KEY"),
			TokenAddress: v.GetString("REWARD_TOKEN_ADDRESS"),
			Decimals:     uint8(v.GetUint("REWARD_TOKEN_DECIMALS")),
			ExplorerURL:  strings.TrimSuffix(v.GetString("REWARD_EXPLORER_URL"), "/"),
		},
		Payment: PaymentConfig{
			CreditsPerUnit:       v.GetInt64("CREDITS_PER_UNIT"),
			VerificationDelay:    v.GetDuration("VERIFICATION_DELAY"),
			VerificationWindow:   v.GetDuration("VERIFICATION_WINDOW"),
			VerificationAttempts: v.GetInt("VERIFICATION_ATTEMPTS"),
			VerificationInterval: v.GetDuration("VERIFICATION_INTERVAL"),
			ReconcileSchedule:    v.GetString("RECONCILE_SCHEDULE"),
			ReconcileAfter:       v.GetDuration("RECONCILE_AFTER"),
		},
		Database: DatabaseConfig{URL: v.GetString("DATABASE_URL")},
		Redis: RedisConfig{
			URL:             v.GetString("REDIS_URL"),
			Prefix:          v.GetString("REDIS_RATE_LIMIT_PREFIX"),
			AssociateLimit:  v.GetInt("ASSOCIATE_RATE_LIMIT"),
			AssociateWindow: v.GetDuration("ASSOCIATE_RATE_WINDOW"),
			PaymentLimit:    v.GetInt("PAYMENT_RATE_LIMIT"),
			PaymentWindow:   v.GetDuration("PAYMENT_RATE_WINDOW"),
		},
		RabbitMQ: RabbitMQConfig{URL: v.GetString("RABBITMQ_URL")},
		Session: SessionConfig{
			Secret:       v.GetString("SESSION_SECRET"),
			TTL:          v.GetDuration("SESSION_TTL"),
			SecureCookie: v.GetString("APP_ENV") == "production",
		},
		Operator: OperatorConfig{
			HMACSecret: v.GetString("OPERATOR_HMAC_SECRET"),
			ClockSkew:  v.GetDuration("OPERATOR_CLOCK_SKEW"),
		},
		Client: ClientConfig{
			APIURL:      strings.TrimSuffix(v.GetString("TOPUP_API_URL"), "/"),
			PrivateKey:  v.GetString("TOPUP_PRIVATE_KEY"),
			PendingPath: v.GetString("TOPUP_PENDING_PATH"),
		},
	}
	return cfg, nil
}

// ValidateServer fails fast on settings the server cannot run without.
func (c *AppConfig) ValidateServer() error {
	var errs []error
	if c.Reward.PrivateKey == "" {
		errs = append(errs, errors.New("REWARD_PRIVATE_KEY (or TREASURY_PRIVATE_KEY) is required"))
	}
	if !common.IsHexAddress(c.Reward.TokenAddress) {
		errs = append(errs, errors.New("REWARD_TOKEN_ADDRESS must be a hex address"))
	}
	if !common.IsHexAddress(c.Settlement.ReceiverAddress) {
		errs = append(errs, errors.New("SETTLEMENT_RECEIVER_ADDRESS must be a hex address"))
	}
	if c.Session.Secret == "" {
		errs = append(errs, errors.New("SESSION_SECRET is required"))
	}
	if _, ok := new(big.Int).SetString(c.Settlement.FundingAmountWei, 10); !ok {
		errs = append(errs, errors.New("FUNDING_AMOUNT_WEIBAR must be an integer"))
	}
	if c.Payment.CreditsPerUnit <= 0 {
		errs = append(errs, errors.New("CREDITS_PER_UNIT must be positive"))
	}
	return errors.Join(errs...)
}

// FundingAmount parses FundingAmountWei; callers run ValidateServer first.
func (s SettlementConfig) FundingAmount() *big.Int {
	amount, ok := new(big.Int).SetString(s.FundingAmountWei, 10)
	if !ok {
		return nil
	}
	return amount
}

// ValidateClient checks what the top-up CLI needs.
func (c *AppConfig) ValidateClient() error {
	var errs []error
	if c.Client.PrivateKey == "" {
		errs = append(errs, errors.New("TOPUP_PRIVATE_KEY is required"))
	}
	if c.Client.APIURL == "" {
		errs = append(errs, errors.New("TOPUP_API_URL is required"))
	}
	if !common.IsHexAddress(c.Settlement.TokenAddress) {
		errs = append(errs, errors.New("USDC_TOKEN_ADDRESS must be a hex address"))
	}
	return errors.Join(errs...)
}
