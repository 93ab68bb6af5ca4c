package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	core "edgeai-node/core"
	pkgconfig "edgeai-node/pkg/config"
)

var (
	nodeMu    sync.RWMutex
	ledger    *core.Ledger
	mempool   *core.Mempool
	node      *core.Node
	peerMgmt  *core.PeerManagement
	sync_     *core.SyncManager
	producer  *core.BlockProducer
	contracts *core.ContractRegistry
	startTime time.Time
)

func main() {
	root := &cobra.Command{Use: "edgeaid"}
	root.AddCommand(startCmd())
	root.AddCommand(statusCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start an EdgeAI node: ledger, PoIE producer, gossip overlay and status API",
		RunE:  runStart,
	}
	cmd.Flags().String("listen", "", "libp2p listen multiaddr (overrides network.listen_addr from the config file)")
	cmd.Flags().String("http-addr", ":8090", "status/health HTTP listen address")
	cmd.Flags().Bool("debug-vm", false, "expose the dev-only /debug/vm/execute debug endpoint")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print a snapshot of local node state (requires a running node)",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://127.0.0.1:8090/status")
			if err != nil {
				return fmt.Errorf("node not reachable: %w", err)
			}
			defer resp.Body.Close()
			var out map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			b, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	viper.SetEnvPrefix("edgeai")
	viper.AutomaticEnv()

	cfg, err := pkgconfig.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Warn("no config file found, continuing with defaults")
		cfg = &pkgconfig.AppConfig
	}

	lv, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrus.SetLevel(lv)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	zapLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init zap logger: %w", err)
	}
	defer zapLog.Sync()

	listenAddr, _ := cmd.Flags().GetString("listen")
	if listenAddr == "" {
		listenAddr = cfg.Network.ListenAddr
	}
	if listenAddr == "" {
		listenAddr = "/ip4/0.0.0.0/tcp/4001"
	}
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	debugVM, _ := cmd.Flags().GetBool("debug-vm")

	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		dbPath = "./data/edgeai"
	}
	store, err := core.OpenLevelStore(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	mempool = core.NewMempool(10000)

	genesisAllocs := loadGenesisAllocations()
	led, err := core.NewLedger(store, mempool, genesisAllocs, core.NewContractRegistry())
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	nodeMu.Lock()
	ledger = led
	contracts = led.Contracts()
	nodeMu.Unlock()

	_, signer, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate validator key: %w", err)
	}
	self := core.DeriveAddress(signer.Public().(ed25519.PublicKey))

	quality := core.NewDuplicateTracker()
	quality.Seed(led.DataHashes(), led.Height())
	prod := core.NewBlockProducer(led, mempool, quality, signer, self)
	nodeMu.Lock()
	producer = prod
	nodeMu.Unlock()

	bootstrap := cfg.Network.BootstrapPeers
	netCfg := core.DefaultNetworkConfig(listenAddr, bootstrap)
	n, err := core.NewNode(netCfg)
	if err != nil {
		return fmt.Errorf("init network node: %w", err)
	}
	nodeMu.Lock()
	node = n
	peerMgmt = core.NewPeerManagement(n)
	nodeMu.Unlock()
	if err := peerMgmt.AdvertiseSelf(netCfg.DiscoveryTag); err != nil {
		logrus.Warnf("AdvertiseSelf on %s failed: %v", netCfg.DiscoveryTag, err)
	}

	dialer := &core.TCPDialer{Timeout: 10 * time.Second}
	pool := core.NewConnPool(dialer, 16, 2*time.Minute)
	sm := core.NewSyncManager(led, n, pool)
	nodeMu.Lock()
	sync_ = sm
	nodeMu.Unlock()

	staking := core.NewStakingManager(zapLog)
	_ = staking
	governance := core.NewGovernanceManager(zapLog)
	_ = governance
	marketplace := core.NewMarketplaceRegistry(zapLog)
	_ = marketplace
	devices := core.NewDeviceRegistry()
	_ = devices

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsReg := prometheus.NewRegistry()
	metrics := core.NewMetrics(metricsReg)
	go sampleMetricsLoop(ctx, metrics, led, mempool, n)

	go prod.Run(ctx)
	sm.Start(ctx)
	defer sm.Stop()

	srv := &http.Server{Addr: httpAddr, Handler: statusRouter(debugVM, metricsReg)}
	go func() {
		logrus.WithField("addr", httpAddr).Info("status API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("status server error: %v", err)
		}
	}()

	startTime = time.Now()
	logrus.WithFields(logrus.Fields{
		"listen":  listenAddr,
		"address": self.String(),
	}).Info("edgeai node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("shutting down")
	cancel()
	_ = srv.Close()
	_ = n.Close()
	return nil
}

// loadGenesisAllocations reads EDGEAI_GENESIS_ALLOCS as "addr:amount,addr:amount"
// or falls back to an empty genesis.
func loadGenesisAllocations() []core.GenesisAllocation {
	raw := viper.GetString("genesis_allocs")
	if raw == "" {
		return nil
	}
	var allocs []core.GenesisAllocation
	for _, pair := range splitNonEmpty(raw, ",") {
		kv := splitNonEmpty(pair, ":")
		if len(kv) != 2 {
			continue
		}
		addr, err := core.ParseAddress(kv[0])
		if err != nil {
			continue
		}
		var amount uint64
		fmt.Sscanf(kv[1], "%d", &amount)
		allocs = append(allocs, core.GenesisAllocation{Address: addr, Balance: amount})
	}
	return allocs
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + len(sep)
		}
	}
	if part := s[start:]; part != "" {
		out = append(out, part)
	}
	return out
}

// sampleMetricsLoop refreshes the prometheus gauges every 5 seconds until ctx
// is cancelled, independent of the block producer's 10-second sealing tick.
func sampleMetricsLoop(ctx context.Context, m *core.Metrics, led *core.Ledger, mp *core.Mempool, n *core.Node) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(led, mp, n)
		}
	}
}

// statusRouter serves /healthz, /status and /metrics via chi, plus a dev-only
// /debug/vm/execute debug endpoint via gorilla/mux when debugVM is set, mirroring
// the explorer's mux-routed HTTP surface for a second, lighter-weight API.
func statusRouter(debugVM bool, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if !debugVM {
		return r
	}

	debug := mux.NewRouter()
	// chi's Mount leaves the /debug prefix in the request path mux matches on.
	debug.HandleFunc("/debug/vm/execute", handleVMExecute).Methods("POST")
	r.Mount("/debug", debug)
	return r
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	nodeMu.RLock()
	led, n, sm, pm := ledger, node, sync_, peerMgmt
	nodeMu.RUnlock()

	out := map[string]any{
		"uptime_seconds": time.Since(startTime).Seconds(),
	}
	if led != nil {
		out["height"] = led.Height()
		out["difficulty"] = led.Difficulty()
	}
	if n != nil {
		out["peers"] = len(n.Peers())
		if ip, ok := n.ExternalAddr(); ok {
			out["external_addr"] = ip
		}
	}
	if pm != nil {
		out["peer_sample"] = pm.Sample(5)
	}
	if sm != nil {
		out["sync"] = sm.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// vmExecuteRequest is the dev-only debug payload for invoking a deployed
// contract directly against the node's live state, bypassing normal
// transaction admission/sealing (no gas is charged against any account and
// no block is produced) — useful for probing a contract's ABI during
// development, not a substitute for submitting a real ContractCall.
type vmExecuteRequest struct {
	ContractAddr string   `json:"contract_address"`
	Caller       string   `json:"caller"`
	Function     string   `json:"function"`
	Args         []string `json:"args"`
	Value        uint64   `json:"value"`
	GasLimit     uint64   `json:"gas_limit"`
}

func handleVMExecute(w http.ResponseWriter, r *http.Request) {
	var req vmExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	addr, err := core.ParseAddress(req.ContractAddr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller := addr
	if req.Caller != "" {
		caller, err = core.ParseAddress(req.Caller)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	nodeMu.RLock()
	led, reg := ledger, contracts
	nodeMu.RUnlock()
	if led == nil || reg == nil {
		http.Error(w, "node not initialized", http.StatusServiceUnavailable)
		return
	}

	contract, ok := reg.Get(addr)
	if !ok {
		http.Error(w, "contract not found", http.StatusNotFound)
		return
	}
	vmCtx := &core.VMContext{
		Caller:         caller,
		ContractAddr:   addr,
		BlockHeight:    led.Height(),
		BlockTimestamp: time.Now().Unix(),
		Value:          req.Value,
	}
	receipt, err := core.Invoke(led.Store(), contract, req.Function, req.Args, vmCtx, req.GasLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(receipt)
}
