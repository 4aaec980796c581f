// config/config.go
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tower/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SigningKeyEnv overrides profile.key_file when set.
const SigningKeyEnv = "TOWER_SIGNING_KEY"

// Config 主配置结构
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Profile   ProfileConfig   `yaml:"profile"`
	Tx        TxConfig        `yaml:"tx"`
	Miner     MinerConfig     `yaml:"miner"`
	Backlog   BacklogConfig   `yaml:"backlog"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Store     StoreConfig     `yaml:"store"`
	Network   NetworkConfig   `yaml:"network"`
	Log       LogConfig       `yaml:"log"`
}

// WorkspaceConfig 本地目录布局
type WorkspaceConfig struct {
	NodeHome string `yaml:"node_home"` // ~/.0L
	BlockDir string `yaml:"block_dir"` // "vdf_proofs"
	DBDir    string `yaml:"db_dir"`    // "tower_db"
}

// ProfileConfig 签名账户
type ProfileConfig struct {
	Account string `yaml:"account"`
	KeyFile string `yaml:"key_file"` // hex encoded secp256k1 private key
}

// TxConfig 交易 gas 参数
type TxConfig struct {
	MaxGasUnitForTx  uint64        `yaml:"max_gas_unit_for_tx"`  // 10000
	CoinPricePerUnit uint64        `yaml:"coin_price_per_unit"`  // 1
	UserTxTimeout    time.Duration `yaml:"user_tx_timeout"`      // 5 * time.Minute
	MaxFeeCoins      string        `yaml:"max_fee_coins"`        // "1" (decimal, whole coins)
}

// MinerConfig VDF 参数与触发队列
type MinerConfig struct {
	Difficulty       uint64 `yaml:"difficulty"`         // 120000000
	Security         uint64 `yaml:"security"`           // 512
	TriggerQueueSize int    `yaml:"trigger_queue_size"` // 16
	AutoFlushBacklog bool   `yaml:"auto_flush_backlog"` // true
}

// BacklogConfig 积压队列
type BacklogConfig struct {
	MaxEntries int `yaml:"max_entries"` // 1000
}

// ReconcileConfig 链上恢复
type ReconcileConfig struct {
	PageSize           uint64 `yaml:"page_size"`            // 1000
	IncludeEvents      bool   `yaml:"include_events"`       // false
	AssumedElapsedSecs uint64 `yaml:"assumed_elapsed_secs"` // 2000
	VerifyTip          bool   `yaml:"verify_tip"`           // true
}

// StoreConfig 证明文件存储
type StoreConfig struct {
	CacheSize int `yaml:"cache_size"` // 256
}

// NetworkConfig 上游节点
type NetworkConfig struct {
	Chain          string        `yaml:"chain"`           // "mainnet"
	Upstreams      []string      `yaml:"upstreams"`       // 上游全节点 URL
	PlaylistURL    string        `yaml:"playlist_url"`    // fullnode playlist
	UseHTTP3       bool          `yaml:"use_http3"`       // false
	RequestTimeout time.Duration `yaml:"request_timeout"` // 10 * time.Second
}

// LogConfig 日志
type LogConfig struct {
	Level string `yaml:"level"` // "info"
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Workspace: WorkspaceConfig{
			NodeHome: filepath.Join(home, ".0L"),
			BlockDir: "vdf_proofs",
			DBDir:    "tower_db",
		},
		Tx: TxConfig{
			MaxGasUnitForTx:  10000,
			CoinPricePerUnit: 1,
			UserTxTimeout:    5 * time.Minute,
			MaxFeeCoins:      "1",
		},
		Miner: MinerConfig{
			Difficulty:       120000000,
			Security:         512,
			TriggerQueueSize: 16,
			AutoFlushBacklog: true,
		},
		Backlog: BacklogConfig{
			MaxEntries: 1000,
		},
		Reconcile: ReconcileConfig{
			PageSize:           1000,
			IncludeEvents:      false,
			AssumedElapsedSecs: 2000,
			VerifyTip:          true,
		},
		Store: StoreConfig{
			CacheSize: 256,
		},
		Network: NetworkConfig{
			Chain:          "mainnet",
			RequestTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Error is a configuration problem; fatal to the requested operation only.
type Error struct {
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

func (e *Error) Unwrap() error                 { return e.Err }
func (e *Error) Category() types.ErrorCategory { return types.CategoryConfig }

// Load 读取 YAML 配置并覆盖默认值；path 为空时只返回默认配置
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Field: "file", Msg: "read " + path, Err: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Field: "file", Msg: "parse " + path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate 检查必填项与取值范围
func (c *Config) Validate() error {
	if c.Workspace.NodeHome == "" {
		return &Error{Field: "workspace.node_home", Msg: "must not be empty"}
	}
	if c.Workspace.BlockDir == "" {
		return &Error{Field: "workspace.block_dir", Msg: "must not be empty"}
	}
	if c.Miner.Difficulty == 0 || c.Miner.Security == 0 {
		return &Error{Field: "miner", Msg: "difficulty and security must be positive"}
	}
	if c.Reconcile.PageSize == 0 {
		return &Error{Field: "reconcile.page_size", Msg: "must be positive"}
	}
	if c.Miner.TriggerQueueSize <= 0 {
		return &Error{Field: "miner.trigger_queue_size", Msg: "must be positive"}
	}
	return nil
}

// BlockPath is the directory holding proof_<height>.json files.
func (c *Config) BlockPath() string {
	return filepath.Join(c.Workspace.NodeHome, c.Workspace.BlockDir)
}

// DBPath is the backlog database directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.Workspace.NodeHome, c.Workspace.DBDir)
}

// TxParams 组装提交交易所需参数，签名私钥来自环境变量或 key_file
func TxParams(c *Config) (*types.TxParams, error) {
	if c.Profile.Account == "" {
		return nil, &Error{Field: "profile.account", Msg: "no signing account configured"}
	}
	keyHex := strings.TrimSpace(os.Getenv(SigningKeyEnv))
	if keyHex == "" {
		if c.Profile.KeyFile == "" {
			return nil, &Error{Field: "profile.key_file", Msg: "no signing key: set " + SigningKeyEnv + " or key_file"}
		}
		raw, err := os.ReadFile(c.Profile.KeyFile)
		if err != nil {
			return nil, &Error{Field: "profile.key_file", Msg: "read key", Err: err}
		}
		keyHex = strings.TrimSpace(string(raw))
	}
	key, err := ParseSigningKey(keyHex)
	if err != nil {
		return nil, err
	}
	params := &types.TxParams{
		Account:          c.Profile.Account,
		SigningKey:       key,
		MaxGasUnitForTx:  c.Tx.MaxGasUnitForTx,
		CoinPricePerUnit: c.Tx.CoinPricePerUnit,
		UserTxTimeout:    c.Tx.UserTxTimeout,
	}
	if c.Tx.MaxFeeCoins != "" {
		ceiling, err := decimal.NewFromString(c.Tx.MaxFeeCoins)
		if err != nil {
			return nil, &Error{Field: "tx.max_fee_coins", Msg: "not a decimal", Err: err}
		}
		if params.MaxFee().GreaterThan(ceiling) {
			return nil, &Error{Field: "tx", Msg: fmt.Sprintf("max fee %s exceeds ceiling %s", params.MaxFee(), ceiling)}
		}
	}
	return params, nil
}

var errEmptyKey = errors.New("empty key")

// ParseSigningKey decodes a 32-byte hex secp256k1 private key.
func ParseSigningKey(keyHex string) (*btcec.PrivateKey, error) {
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if keyHex == "" {
		return nil, &Error{Field: "signing key", Msg: "invalid", Err: errEmptyKey}
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, &Error{Field: "signing key", Msg: "invalid hex", Err: err}
	}
	if len(raw) != 32 {
		return nil, &Error{Field: "signing key", Msg: fmt.Sprintf("want 32 bytes, got %d", len(raw))}
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}
