package config

// Package config provides a reusable loader for EdgeAI node configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"edgeai-node/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for an EdgeAI node. It mirrors
// the structure of the YAML files under config/.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		ChainID        int      `mapstructure:"chain_id" json:"chain_id"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		GenesisFile    string   `mapstructure:"genesis_file" json:"genesis_file"`
		RPCEnabled     bool     `mapstructure:"rpc_enabled" json:"rpc_enabled"`
		P2PPort        int      `mapstructure:"p2p_port" json:"p2p_port"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		BlockIntervalSeconds int     `mapstructure:"block_interval_seconds" json:"block_interval_seconds"`
		BaseDifficulty       int     `mapstructure:"base_difficulty" json:"base_difficulty"`
		BaseBlockReward      uint64  `mapstructure:"base_block_reward" json:"base_block_reward"`
		MaxTxsPerBlock       int     `mapstructure:"max_txs_per_block" json:"max_txs_per_block"`
		DuplicateRewardCut   float64 `mapstructure:"duplicate_reward_cut" json:"duplicate_reward_cut"`
	} `mapstructure:"consensus" json:"consensus"`

	Staking struct {
		MinValidatorStake uint64  `mapstructure:"min_validator_stake" json:"min_validator_stake"`
		MinDelegation     uint64  `mapstructure:"min_delegation" json:"min_delegation"`
		UnbondingDays     int     `mapstructure:"unbonding_days" json:"unbonding_days"`
		MaxValidators     int     `mapstructure:"max_validators" json:"max_validators"`
		MaxCommissionRate float64 `mapstructure:"max_commission_rate" json:"max_commission_rate"`
	} `mapstructure:"staking" json:"staking"`

	Governance struct {
		DepositPeriodDays int     `mapstructure:"deposit_period_days" json:"deposit_period_days"`
		VotingPeriodDays  int     `mapstructure:"voting_period_days" json:"voting_period_days"`
		QuorumThreshold   float64 `mapstructure:"quorum_threshold" json:"quorum_threshold"`
		PassThreshold     float64 `mapstructure:"pass_threshold" json:"pass_threshold"`
	} `mapstructure:"governance" json:"governance"`

	Wasm struct {
		DefaultGasLimit uint64 `mapstructure:"default_gas_limit" json:"default_gas_limit"`
	} `mapstructure:"wasm" json:"wasm"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
		Prune  bool   `mapstructure:"prune" json:"prune"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the EDGEAI_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("EDGEAI_ENV", ""))
}
