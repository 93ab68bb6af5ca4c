package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Ledger is the single-writer append-only chain plus its derived world
// state. All mutation happens under mu, following the teacher's convention
// (core/network.go, core/staking_node.go) of one RWMutex guarding a node's
// entire in-memory state rather than per-field locks. Lock acquisition
// order across subsystems is fixed: ledger -> staking -> governance ->
// registry, to avoid deadlock when a call needs more than one.
type Ledger struct {
	mu sync.RWMutex

	store     KVStore
	mempool   *Mempool
	registry  *ContractRegistry
	log       *logrus.Entry

	chain      []*Block
	state      ChainState
	difficulty int
}

// GenesisAllocation seeds an address with an initial balance at genesis.
type GenesisAllocation struct {
	Address Address
	Balance uint64
}

const (
	baseDifficulty  = 2
	maxTxsPerBlock  = 100
	baseBlockReward = 50
	minGasPrice     = 1
)

// NewLedger opens store, replays any persisted chain, or seeds a fresh
// genesis block from allocs if the store is empty. registry holds deployed
// WASM contracts reachable from ContractDeploy/ContractCall transactions; a
// nil registry gets a fresh empty one so callers that don't care about
// contracts can pass nil.
func NewLedger(store KVStore, mempool *Mempool, allocs []GenesisAllocation, registry *ContractRegistry) (*Ledger, error) {
	if registry == nil {
		registry = NewContractRegistry()
	}
	l := &Ledger{
		store:      store,
		mempool:    mempool,
		registry:   registry,
		log:        logrus.WithField("component", "ledger"),
		difficulty: baseDifficulty,
		state: ChainState{
			Accounts:     make(map[Address]*AccountState),
			DataRegistry: make(map[string]*DataEntry),
		},
	}

	existing, err := l.loadChain()
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		l.chain = existing
		if err := l.replayState(); err != nil {
			return nil, err
		}
		l.log.WithField("height", l.Height()).Info("replayed chain from store")
		return l, nil
	}

	genesis, err := l.buildGenesis(allocs)
	if err != nil {
		return nil, err
	}
	if err := l.commitBlock(genesis); err != nil {
		return nil, err
	}
	l.log.Info("initialized fresh genesis block")
	return l, nil
}

func (l *Ledger) buildGenesis(allocs []GenesisAllocation) (*Block, error) {
	now := time.Now()
	var txs []Transaction
	for _, a := range allocs {
		tx := Transaction{
			ID:        "genesis-" + a.Address.String(),
			Kind:      KindGenesis,
			Timestamp: now,
			Sender:    ReservedGenesis,
			Outputs:   []Output{{Amount: a.Balance, Recipient: a.Address}},
		}
		h, err := ComputeTxHash(&tx)
		if err != nil {
			return nil, err
		}
		tx.Hash = h
		txs = append(txs, tx)
	}
	leaves := make([]string, len(txs))
	for i := range txs {
		leaves[i] = txs[i].Hash
	}
	block := &Block{
		Index: 0,
		Header: BlockHeader{
			Version:      1,
			PreviousHash: "",
			MerkleRoot:   MerkleRoot(leaves),
			Timestamp:    now,
			Difficulty:   l.difficulty,
			Nonce:        0,
		},
		Transactions: txs,
		Validator:    ReservedGenesis,
	}
	h, err := ComputeBlockHash(block)
	if err != nil {
		return nil, err
	}
	block.Hash = h
	return block, nil
}

// SubmitTransaction structurally and semantically validates tx and, if
// admissible, enqueues it in the mempool. Genesis and Reward transactions
// are protocol-originated and never submitted through this path.
func (l *Ledger) SubmitTransaction(tx *Transaction) error {
	if tx.Kind == KindGenesis || tx.Kind == KindReward {
		return coded("INVALID_KIND", "kind not submittable by clients")
	}

	wantHash, err := ComputeTxHash(tx)
	if err != nil {
		return fatal(err)
	}
	if wantHash != tx.Hash {
		return ErrMalformedHash
	}
	if err := VerifyTxSignature(tx); err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.mempool.Has(tx.Hash) {
		return ErrDuplicateTx
	}

	sender, err := ParseAddress(tx.Sender)
	if err != nil {
		return coded("INVALID_SENDER", err.Error())
	}
	acct := l.state.Accounts[sender]
	switch tx.Kind {
	case KindTransfer:
		if acct == nil || acct.Balance < tx.TotalOutput() {
			return ErrInsufficientBalance
		}
	case KindDataContribution:
		if tx.DataQuality == nil {
			return coded("MISSING_QUALITY", "data contribution missing computed quality")
		}
		// A repeat data_hash is admitted rather than rejected: the block
		// producer's DuplicateTracker (core/consensus.go) flags it at
		// sealing time and ApplyTransaction halves its reward and docks
		// reputation instead of dropping it from the mempool.
	case KindDataPurchase:
		if acct == nil || len(tx.Outputs) == 0 || acct.Balance < tx.Outputs[0].Amount {
			return ErrInsufficientBalance
		}
		if _, ok := l.state.DataRegistry[tx.Outputs[0].DataHash]; !ok {
			return ErrNotFound
		}
	case KindStake, KindUnstake, KindContractDeploy, KindContractCall:
		if acct == nil {
			return coded("UNKNOWN_SENDER", "sender has no account state")
		}
	}

	return l.mempool.Add(tx)
}

// contractDeployPayload is the wire format carried in a ContractDeploy
// transaction's Data field: the module bytecode plus its declared ABI. It
// rides inside Data rather than a dedicated Transaction field so it is
// covered by both tx.Hash (canonicalTxBody includes Data) and the sender's
// signature (the default SigningMessage case signs tx.Hash itself).
type contractDeployPayload struct {
	Code []byte `json:"code"`
	ABI  ABI    `json:"abi"`
}

// contractCallPayload is the wire format carried in a ContractCall
// transaction's Data field: the ABI function name and its arguments. The
// target contract address is tx.Outputs[0].Recipient and any value
// transferred to the contract is tx.Outputs[0].Amount.
type contractCallPayload struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

// ApplyTransaction mutates state per tx.Kind. Called only from within block
// application, on a working copy of state so a later failure in the same
// block can be discarded without touching committed state. registry and
// store back ContractDeploy/ContractCall execution; both are safe to pass
// the same instances used at original sealing time on replay, since neither
// is mutated by anything outside ApplyTransaction's own call path.
func ApplyTransaction(state *ChainState, tx *Transaction, height uint64, registry *ContractRegistry, store KVStore) error {
	switch tx.Kind {
	case KindGenesis, KindTransfer, KindReward:
		for _, o := range tx.Outputs {
			to := ensureAccount(state, o.Recipient)
			to.Balance += o.Amount
		}
		if tx.Kind == KindTransfer {
			sender, err := ParseAddress(tx.Sender)
			if err != nil {
				return coded("INVALID_SENDER", err.Error())
			}
			from := ensureAccount(state, sender)
			total := tx.TotalOutput()
			if from.Balance < total {
				return ErrInsufficientBalance
			}
			from.Balance -= total
			from.Nonce++
		}
		if tx.Kind == KindGenesis || tx.Kind == KindReward {
			state.TotalSupply += tx.TotalOutput()
		}

	case KindDataContribution:
		sender, err := ParseAddress(tx.Sender)
		if err != nil {
			return coded("INVALID_SENDER", err.Error())
		}
		acct := ensureAccount(state, sender)
		acct.DataContributions++

		var overall float64
		if tx.DataQuality != nil {
			overall = tx.DataQuality.Overall
		}
		reward := float64(baseBlockReward) * overall
		if tx.Duplicate {
			reward *= DuplicateRewardMultiplier
			acct.ReputationScore += DuplicateReputationDelta
		} else {
			acct.ReputationScore += overall * 10
		}
		acct.Balance += uint64(reward)

		if len(tx.Outputs) > 0 && tx.Outputs[0].DataHash != "" {
			hash := tx.Outputs[0].DataHash
			price := uint64(overall * 100)
			if existing, ok := state.DataRegistry[hash]; ok {
				// First writer wins: owner is fixed at first contribution;
				// a duplicate only refreshes the listing's price/quality/time.
				existing.Price = price
				existing.QualityScore = overall
				existing.Timestamp = tx.Timestamp
			} else {
				state.DataRegistry[hash] = &DataEntry{
					Hash:         hash,
					Owner:        tx.Sender,
					Price:        price,
					QualityScore: overall,
					Timestamp:    tx.Timestamp,
				}
			}
		}

	case KindDataPurchase:
		sender, err := ParseAddress(tx.Sender)
		if err != nil {
			return coded("INVALID_SENDER", err.Error())
		}
		if len(tx.Outputs) == 0 {
			return coded("MISSING_OUTPUT", "data purchase requires an output")
		}
		o := tx.Outputs[0]
		entry, ok := state.DataRegistry[o.DataHash]
		if !ok {
			return ErrNotFound
		}
		buyer := ensureAccount(state, sender)
		if buyer.Balance < o.Amount {
			return ErrInsufficientBalance
		}
		owner, err := ParseAddress(entry.Owner)
		if err == nil {
			seller := ensureAccount(state, owner)
			seller.Balance += o.Amount
		}
		buyer.Balance -= o.Amount
		entry.Purchases++

	case KindStake:
		sender, err := ParseAddress(tx.Sender)
		if err != nil {
			return coded("INVALID_SENDER", err.Error())
		}
		acct := ensureAccount(state, sender)
		amount := tx.TotalOutput()
		if acct.Balance < amount {
			return ErrInsufficientBalance
		}
		acct.Balance -= amount
		acct.StakedAmount += amount
		state.TotalStaked += amount

	case KindUnstake:
		sender, err := ParseAddress(tx.Sender)
		if err != nil {
			return coded("INVALID_SENDER", err.Error())
		}
		acct := ensureAccount(state, sender)
		amount := tx.TotalOutput()
		if acct.StakedAmount < amount {
			return coded("INSUFFICIENT_STAKE", "unstake amount exceeds staked balance")
		}
		acct.StakedAmount -= amount
		acct.Balance += amount
		state.TotalStaked -= amount

	case KindContractDeploy:
		sender, err := ParseAddress(tx.Sender)
		if err != nil {
			return coded("INVALID_SENDER", err.Error())
		}
		acct := ensureAccount(state, sender)
		cost := tx.GasPrice * tx.GasLimit
		if acct.Balance < cost {
			return ErrInsufficientBalance
		}
		var payload contractDeployPayload
		if err := json.Unmarshal(tx.Data, &payload); err != nil {
			return coded("INVALID_CONTRACT_PAYLOAD", err.Error())
		}
		if _, err := registry.Deploy(sender, payload.Code, payload.ABI, tx.Timestamp); err != nil {
			return err
		}
		acct.Balance -= cost
		acct.Nonce++

	case KindContractCall:
		sender, err := ParseAddress(tx.Sender)
		if err != nil {
			return coded("INVALID_SENDER", err.Error())
		}
		acct := ensureAccount(state, sender)
		cost := tx.GasPrice * tx.GasLimit
		if acct.Balance < cost {
			return ErrInsufficientBalance
		}
		if len(tx.Outputs) == 0 {
			return coded("MISSING_OUTPUT", "contract call requires an output naming the target contract address")
		}
		contractAddr := tx.Outputs[0].Recipient
		contract, ok := registry.Get(contractAddr)
		if !ok {
			return ErrNotFound
		}
		var payload contractCallPayload
		if err := json.Unmarshal(tx.Data, &payload); err != nil {
			return coded("INVALID_CONTRACT_PAYLOAD", err.Error())
		}
		vmCtx := &VMContext{
			Caller:         sender,
			ContractAddr:   contractAddr,
			BlockHeight:    height,
			BlockTimestamp: tx.Timestamp.Unix(),
			Value:          tx.Outputs[0].Amount,
		}
		if _, err := Invoke(store, contract, payload.Function, payload.Args, vmCtx, tx.GasLimit); err != nil {
			return err
		}
		acct.Balance -= cost
		acct.Nonce++

	default:
		return coded("UNKNOWN_KIND", "unrecognized transaction kind")
	}
	return nil
}

func ensureAccount(state *ChainState, addr Address) *AccountState {
	acct, ok := state.Accounts[addr]
	if !ok {
		acct = &AccountState{Address: addr}
		state.Accounts[addr] = acct
	}
	return acct
}

// Height returns the index of the current chain tip.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.chain) == 0 {
		return 0
	}
	return l.chain[len(l.chain)-1].Index
}

// Tip returns a copy of the current chain head.
func (l *Ledger) Tip() *Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.chain) == 0 {
		return nil
	}
	b := *l.chain[len(l.chain)-1]
	return &b
}

// Difficulty returns the current mining difficulty.
func (l *Ledger) Difficulty() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.difficulty
}

// Store exposes the underlying KVStore so callers outside the ledger (the
// WASM runtime's working set, debug tooling) can read and write contract
// storage without a second store handle to the same database.
func (l *Ledger) Store() KVStore {
	return l.store
}

// DataHashes returns a snapshot of every data hash currently registered in
// the marketplace, used to seed a restarted producer's DuplicateTracker so
// it does not forget history recorded before the restart.
func (l *Ledger) DataHashes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.state.DataRegistry))
	for h := range l.state.DataRegistry {
		out = append(out, h)
	}
	return out
}

// Contracts exposes the ledger's WASM contract registry, so the status API's
// dev-only /vm/execute debug handler and the producer share the same
// deployed-contract set that ApplyTransaction's ContractDeploy/ContractCall
// cases populate, instead of each holding a separate registry.
func (l *Ledger) Contracts() *ContractRegistry {
	return l.registry
}

// Account returns a copy of the account state at addr, or a zero-value
// account if unknown.
func (l *Ledger) Account(addr Address) AccountState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.state.Accounts[addr]; ok {
		return *acct
	}
	return AccountState{Address: addr}
}

// AppendBlock validates and applies a fully-assembled, already-sealed block
// (whether locally mined or received from a peer), persisting it and the
// resulting state atomically. On any validation/application failure the
// committed state is left untouched.
func (l *Ledger) AppendBlock(block *Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitBlock(block)
}

func (l *Ledger) commitBlock(block *Block) error {
	if len(l.chain) > 0 {
		tip := l.chain[len(l.chain)-1]
		if block.Index != tip.Index+1 {
			return coded("BAD_HEIGHT", "block index does not follow chain tip")
		}
		if block.Header.PreviousHash != tip.Hash {
			return coded("BAD_PARENT", "previous_hash does not match chain tip")
		}
	} else if block.Index != 0 {
		return coded("BAD_HEIGHT", "first block must be genesis at index 0")
	}

	leaves := make([]string, len(block.Transactions))
	for i := range block.Transactions {
		leaves[i] = block.Transactions[i].Hash
	}
	if MerkleRoot(leaves) != block.Header.MerkleRoot {
		return coded("BAD_MERKLE_ROOT", "merkle root does not match transactions")
	}
	wantHash, err := ComputeBlockHash(block)
	if err != nil {
		return fatal(err)
	}
	if wantHash != block.Hash {
		return ErrMalformedHash
	}

	working := cloneState(&l.state)
	for i := range block.Transactions {
		if err := ApplyTransaction(working, &block.Transactions[i], block.Index, l.registry, l.store); err != nil {
			return err
		}
	}

	if err := l.persistBlock(block, working); err != nil {
		return err
	}

	l.chain = append(l.chain, block)
	l.state = *working
	for i := range block.Transactions {
		l.mempool.Remove(block.Transactions[i].Hash)
	}
	l.difficulty = nextDifficulty(block.Header.DataEntropy)
	return nil
}

func nextDifficulty(entropy float64) int {
	d := baseDifficulty - int(entropy*0.5)
	if d < 1 {
		d = 1
	}
	return d
}

func cloneState(s *ChainState) *ChainState {
	out := &ChainState{
		Accounts:     make(map[Address]*AccountState, len(s.Accounts)),
		DataRegistry: make(map[string]*DataEntry, len(s.DataRegistry)),
		TotalSupply:  s.TotalSupply,
		TotalStaked:  s.TotalStaked,
	}
	for k, v := range s.Accounts {
		cp := *v
		out.Accounts[k] = &cp
	}
	for k, v := range s.DataRegistry {
		cp := *v
		out.DataRegistry[k] = &cp
	}
	return out
}

func (l *Ledger) persistBlock(block *Block, state *ChainState) error {
	blockBytes, err := json.Marshal(block)
	if err != nil {
		return fatal(err)
	}
	return l.store.WriteBatch(func(b Batch) error {
		b.Put(keyBlockIndex(block.Index), blockBytes)
		b.Put(keyBlockHash(block.Hash), []byte(uintToStr(block.Index)))
		for i := range block.Transactions {
			loc, _ := json.Marshal([2]uint64{block.Index, uint64(i)})
			b.Put(keyTxLocation(block.Transactions[i].Hash), loc)
		}
		for addr, acct := range state.Accounts {
			raw, err := json.Marshal(acct)
			if err != nil {
				return err
			}
			b.Put(keyAccount(addr), raw)
		}
		for hash, entry := range state.DataRegistry {
			raw, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			b.Put(keyDataEntry(hash), raw)
		}
		b.Put([]byte(metaKeyTotalBlocks), []byte(uintToStr(block.Index+1)))
		b.Put([]byte(metaKeyTotalSupply), []byte(uintToStr(state.TotalSupply)))
		b.Put([]byte(metaKeyTotalStaked), []byte(uintToStr(state.TotalStaked)))
		return nil
	})
}

func (l *Ledger) loadChain() ([]*Block, error) {
	raw, err := l.store.Get([]byte(metaKeyTotalBlocks))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	total := parseUintOrZero(string(raw))
	chain := make([]*Block, 0, total)
	for i := uint64(0); i < total; i++ {
		braw, err := l.store.Get(keyBlockIndex(i))
		if err != nil {
			return nil, fatal(err)
		}
		var b Block
		if err := json.Unmarshal(braw, &b); err != nil {
			return nil, fatal(err)
		}
		chain = append(chain, &b)
	}
	return chain, nil
}

func parseUintOrZero(s string) uint64 {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return v
		}
		v = v*10 + uint64(c-'0')
	}
	return v
}

// replayState rebuilds in-memory ChainState from the already-loaded chain by
// re-running ApplyTransaction over every block in order. Used on restart
// instead of trusting the last-persisted account snapshots directly, so a
// crash mid-batch-write cannot leave stale derived state.
func (l *Ledger) replayState() error {
	state := ChainState{
		Accounts:     make(map[Address]*AccountState),
		DataRegistry: make(map[string]*DataEntry),
	}
	for _, block := range l.chain {
		for i := range block.Transactions {
			if err := ApplyTransaction(&state, &block.Transactions[i], block.Index, l.registry, l.store); err != nil {
				return fatal(err)
			}
		}
	}
	l.state = state
	if len(l.chain) > 0 {
		l.difficulty = nextDifficulty(l.chain[len(l.chain)-1].Header.DataEntropy)
	}
	return nil
}
