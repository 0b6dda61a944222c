package core

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"msusd/internal/event"
	"msusd/internal/ledger"
	fpmath "msusd/internal/math"
	"msusd/internal/observability"
	"msusd/internal/oracle"
	"msusd/internal/state"
)

// Config fixes the protocol's addresses and initial parameters.
type Config struct {
	Owner        common.Address
	MsUSD        common.Address // token id of msUSD in the ledger
	Vault        common.Address // vault address; also the token id of its shares
	FeeCollector common.Address

	SupplyLimit          *uint256.Int
	ClaimDelay           time.Duration
	CooldownDuration     time.Duration
	RewardTaxPerThousand uint64
	RebaseTaxPerThousand uint64
	MinShares            *uint256.Int
	BridgeMode           state.BridgeMode

	IdempotencyCapacity  int
	RateHistorySize      int
	RateAlphaPerThousand uint64
}

func (c Config) validate() error {
	for name, addr := range map[string]common.Address{
		"owner": c.Owner, "msusd": c.MsUSD, "vault": c.Vault,
	} {
		if addr == (common.Address{}) {
			return fmt.Errorf("%s address: %w", name, ErrInvalidZeroAddress)
		}
	}
	if c.MsUSD == c.Vault {
		return fmt.Errorf("msusd and vault share one address: %w", ErrInvalidAddress)
	}
	if c.SupplyLimit == nil {
		return fmt.Errorf("supply limit unset: %w", ErrInvalidAmount)
	}
	return nil
}

// Options carries the core's collaborators. Every field is optional.
type Options struct {
	Oracles        *oracle.Registry
	Clock          func() time.Time
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         *zerolog.Logger
}

// DeterministicCore applies protocol commands one at a time. Every command
// either fully applies, producing one envelope in the hash chain, or leaves
// state untouched.
type DeterministicCore struct {
	mu sync.RWMutex

	cfg      Config
	sequence int64
	hasher   *StateHasher

	balances    *ledger.BalanceTracker
	validator   *ledger.InvariantValidator
	assets      *state.AssetRegistry
	redemptions *state.RedemptionLedger
	vault       *state.YieldVault
	rebase      *state.RebaseAccounting
	rates       *state.RateHistory
	roles       *state.Roles
	supplyLimit *state.SupplyLimit

	feeCollector common.Address
	bridgeMode   state.BridgeMode

	oracles     *oracle.Registry
	idempotency *IdempotencyChecker
	clock       func() time.Time
	metrics     *observability.Metrics
	tracer      trace.Tracer
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// BalanceUpdate is an account balance after a command applied.
type BalanceUpdate struct {
	Key     ledger.AccountKey
	Balance *uint256.Int
}

// RedemptionUpdate is a redemption request after a command touched it.
type RedemptionUpdate struct {
	User    common.Address
	Request state.RedemptionRequest
}

type CoreOutput struct {
	Envelope    *event.EventEnvelope
	Batch       *ledger.Batch
	Balances    []BalanceUpdate
	Redemptions []RedemptionUpdate
	StateDelta  []byte
}

func NewDeterministicCore(startSequence int64, cfg Config, opts Options) (*DeterministicCore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 1_000_000
	}

	vault, err := state.NewYieldVault(cfg.MinShares, cfg.CooldownDuration, cfg.RewardTaxPerThousand)
	if err != nil {
		return nil, err
	}
	redemptions := state.NewRedemptionLedger()
	if cfg.ClaimDelay != redemptions.ClaimDelay() {
		if err := redemptions.SetClaimDelay(cfg.ClaimDelay); err != nil {
			return nil, err
		}
	}
	rebase := state.NewRebaseAccounting(0)
	if cfg.RebaseTaxPerThousand != 0 {
		if err := rebase.SetTaxPerThousand(cfg.RebaseTaxPerThousand); err != nil {
			return nil, err
		}
	}

	idempotency, err := NewIdempotencyChecker(cfg.IdempotencyCapacity, opts.DBChecker, opts.Metrics)
	if err != nil {
		return nil, err
	}

	oracles := opts.Oracles
	if oracles == nil {
		oracles = oracle.NewRegistry()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := observability.NewLogger("core")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	balances := ledger.NewBalanceTracker()
	c := &DeterministicCore{
		cfg:            cfg,
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		balances:       balances,
		validator:      ledger.NewInvariantValidator(balances),
		assets:         state.NewAssetRegistry(),
		redemptions:    redemptions,
		vault:          vault,
		rebase:         rebase,
		rates:          state.NewRateHistory(cfg.RateHistorySize, cfg.RateAlphaPerThousand),
		roles:          state.NewRoles(cfg.Owner),
		supplyLimit:    state.NewSupplyLimit(cfg.SupplyLimit),
		feeCollector:   cfg.FeeCollector,
		bridgeMode:     cfg.BridgeMode,
		oracles:        oracles,
		idempotency:    idempotency,
		clock:          clock,
		metrics:        opts.Metrics,
		tracer:         observability.Tracer("core"),
		logger:         logger,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
	}
	if c.metrics != nil {
		c.metrics.SupplyLimit.Set(observability.AmountFloat(cfg.SupplyLimit, fpmath.TokenDecimals))
	}
	return c, nil
}

// --- Reentrancy guard ---

type guardKey struct{}

// enter marks ctx as running inside this core. A call whose context already
// carries the mark came back in through a collaborator such as an oracle and
// would deadlock on the writer lock, so it fails instead.
func (c *DeterministicCore) enter(ctx context.Context) (context.Context, error) {
	if owner, ok := ctx.Value(guardKey{}).(*DeterministicCore); ok && owner == c {
		if c.metrics != nil {
			c.metrics.ReentrancyBlocked.Inc()
		}
		return ctx, ErrReentrantCall
	}
	return context.WithValue(ctx, guardKey{}, c), nil
}

// --- Pipeline ---

// plan is the outcome of validating a command against current state.
// Nothing is mutated until the pipeline commits it.
type plan struct {
	batch  *ledger.Batch
	commit func(p *plan)
	result any

	redemptions []RedemptionUpdate
}

// keyDeriver is implemented by commands that carry a natural
// deduplication key of their own.
type keyDeriver interface {
	DerivedKey() string
}

type execMode int

const (
	modeLive execMode = iota
	modeReplay
)

// Execute validates and applies a command. On success it returns the
// command's typed result (see the typed wrappers in api.go).
func (c *DeterministicCore) Execute(ctx context.Context, cmd event.Event) (any, error) {
	ctx, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "core.Execute",
		trace.WithAttributes(attribute.String("event_type", cmd.EventType().String())))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	out, res, err := c.apply(ctx, cmd, modeLive)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("sequence", out.Envelope.Sequence))

	c.emit(out)
	return res, nil
}

func (c *DeterministicCore) apply(ctx context.Context, cmd event.Event, mode execMode) (*CoreOutput, any, error) {
	start := time.Now()
	eventType := cmd.EventType().String()
	hdr := cmd.Meta()

	if mode == modeLive {
		if hdr.IdempotencyKey == "" {
			if k, ok := cmd.(keyDeriver); ok {
				hdr.IdempotencyKey = k.DerivedKey()
			}
		}
		if hdr.IdempotencyKey == "" {
			hdr.IdempotencyKey = uuid.NewString()
		}
		hdr.Timestamp = c.clock().UTC()
	}

	// Step 1: Idempotency check (two-tier). Replayed envelopes are already
	// in the log, so only live commands are checked.
	if mode == modeLive {
		dup, err := c.idempotency.IsDuplicate(ctx, eventType, hdr.IdempotencyKey)
		if err != nil {
			return nil, nil, err
		}
		if dup {
			c.reject(eventType, ErrDuplicateCommand)
			return nil, nil, fmt.Errorf("%s %s: %w", eventType, hdr.IdempotencyKey, ErrDuplicateCommand)
		}
	}

	// Step 2: Dispatch - validate and build the batch
	p, err := c.dispatch(ctx, cmd, mode)
	if err != nil {
		c.reject(eventType, err)
		return nil, nil, fmt.Errorf("%s: %w", eventType, err)
	}

	// Step 3: Dry-run the ledger batch
	if p.batch != nil && !p.batch.Empty() {
		if err := p.batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch for %s: %v", eventType, err))
		}
		if err := c.validator.ValidateBatchBalance(p.batch); err != nil {
			c.reject(eventType, err)
			return nil, nil, fmt.Errorf("%s: %w", eventType, err)
		}
	}

	// Step 4: Commit. Nothing below may fail.
	if p.batch != nil && !p.batch.Empty() {
		if err := c.balances.ApplyBatch(p.batch); err != nil {
			panic(fmt.Sprintf("FATAL: batch failed after dry run: %v", err))
		}
	}
	if p.commit != nil {
		p.commit(p)
	}

	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", eventType, err))
	}

	// Step 5: Hash chain and envelope
	payload, err := event.Encode(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", eventType, err))
	}
	digest := c.computeStateDigest(p.batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: hdr.IdempotencyKey,
		EventType:      cmd.EventType(),
		Caller:         hdr.Caller,
		Timestamp:      hdr.Timestamp,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	out := &CoreOutput{
		Envelope:    envelope,
		Batch:       p.batch,
		Balances:    c.touchedBalances(p.batch),
		Redemptions: p.redemptions,
		StateDelta:  digest,
	}
	c.sequence++

	c.idempotency.MarkProcessed(eventType, hdr.IdempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		if p.batch != nil {
			for _, j := range p.batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		c.recordStateGauges()
	}

	return out, p.result, nil
}

// emit hands an output to the workers. The persist channel blocks so no
// event is lost; the projection channel drops when full, projections are
// rebuilt from the event log.
func (c *DeterministicCore) emit(out *CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- *out:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- *out
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- *out:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (c *DeterministicCore) reject(eventType string, err error) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, RejectReason(err)).Inc()
	}
	c.logger.Debug().Str("event_type", eventType).Err(err).Msg("command rejected")
}

func (c *DeterministicCore) dispatch(ctx context.Context, cmd event.Event, mode execMode) (*plan, error) {
	switch e := cmd.(type) {
	case *event.AddAsset:
		return c.handleAddAsset(e)
	case *event.RemoveAsset:
		return c.handleRemoveAsset(e)
	case *event.RestoreAsset:
		return c.handleRestoreAsset(e)
	case *event.UpdateOracle:
		return c.handleUpdateOracle(e)
	case *event.Mint:
		return c.handleMint(ctx, e, mode)
	case *event.DepositCollateral:
		return c.handleDepositCollateral(e)
	case *event.WithdrawCollateral:
		return c.handleWithdrawCollateral(e)
	case *event.Transfer:
		return c.handleTransfer(e)
	case *event.RequestRedemption:
		return c.handleRequestRedemption(ctx, e, mode)
	case *event.ClaimRedemption:
		return c.handleClaimRedemption(e)
	case *event.Sweep:
		return c.handleSweep(e)
	case *event.ReturnToEngine:
		return c.handleReturnToEngine(e)
	case *event.VaultDeposit:
		return c.handleVaultDeposit(e)
	case *event.VaultMint:
		return c.handleVaultMint(e)
	case *event.VaultWithdraw:
		return c.handleVaultWithdraw(e)
	case *event.VaultRedeem:
		return c.handleVaultRedeem(e)
	case *event.CooldownAssets:
		return c.handleCooldownAssets(e)
	case *event.CooldownShares:
		return c.handleCooldownShares(e)
	case *event.Unstake:
		return c.handleUnstake(e)
	case *event.MintRewards:
		return c.handleMintRewards(e)
	case *event.BridgeCredit:
		return c.handleBridgeCredit(e)
	case *event.BridgeDebit:
		return c.handleBridgeDebit(e)
	case *event.RebaseMint:
		return c.handleRebaseMint(e)
	case *event.RebaseBurn:
		return c.handleRebaseBurn(e)
	case *event.RebaseTransfer:
		return c.handleRebaseTransfer(e)
	case *event.RebaseOptOut:
		return c.handleRebaseOptOut(e)
	case *event.RebaseOptIn:
		return c.handleRebaseOptIn(e)
	case *event.Rebase:
		return c.handleRebase(e)
	case *event.SetSupplyLimit:
		return c.handleSetSupplyLimit(e)
	case *event.SetRole:
		return c.handleSetRole(e)
	case *event.SetWhitelisted:
		return c.handleSetWhitelisted(e)
	case *event.SetCooldownDuration:
		return c.handleSetCooldownDuration(e)
	case *event.SetRewardTax:
		return c.handleSetRewardTax(e)
	case *event.SetRebaseTax:
		return c.handleSetRebaseTax(e)
	case *event.SetFeeCollector:
		return c.handleSetFeeCollector(e)
	case *event.SetClaimDelay:
		return c.handleSetClaimDelay(e)
	case *event.SetRedemptionsEnabled:
		return c.handleSetRedemptionsEnabled(e)
	case *event.SetRedemptionCap:
		return c.handleSetRedemptionCap(e)
	default:
		return nil, fmt.Errorf("%T: %w", cmd, ErrUnknownCommand)
	}
}

// newJournals starts a journal batch for the command being applied.
func (c *DeterministicCore) newJournals(hdr *event.Header) *ledger.JournalGenerator {
	return ledger.NewJournalGenerator(hdr.IdempotencyKey, c.sequence, hdr.Timestamp.UnixMicro())
}

// --- State digest ---

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched, then the global aggregates.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	accounts := touchedAccounts(batch)

	digest := make([]byte, 0, len(accounts)*96+256)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendAmount(digest, c.balances.GetBalance(key))
	}

	digest = appendAmount(digest, c.balances.Supply(c.cfg.MsUSD))
	digest = appendAmount(digest, c.balances.Supply(c.cfg.Vault))
	digest = appendAmount(digest, c.rebase.Index())
	digest = appendAmount(digest, c.rebase.TotalSupply())
	for _, info := range c.assets.List() {
		digest = append(digest, info.Asset.Bytes()...)
		digest = appendAmount(digest, c.redemptions.PendingClaims(info.Asset))
	}
	return digest
}

func appendAmount(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func touchedAccounts(batch *ledger.Batch) []ledger.AccountKey {
	if batch == nil {
		return nil
	}
	seen := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		for _, key := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if !key.IsExternal() {
				seen[key] = true
			}
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(seen))
	for key := range seen {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})
	return accounts
}

func (c *DeterministicCore) touchedBalances(batch *ledger.Batch) []BalanceUpdate {
	accounts := touchedAccounts(batch)
	out := make([]BalanceUpdate, 0, len(accounts))
	for _, key := range accounts {
		out = append(out, BalanceUpdate{Key: key, Balance: c.balances.GetBalance(key)})
	}
	return out
}

// --- Invariants ---

// postCheckInvariants validates the protocol-wide invariants after a
// command applied. A failure is a bug, never bad input.
func (c *DeterministicCore) postCheckInvariants() error {
	// Solvency: pending claims are always covered by the engine.
	for _, info := range c.assets.List() {
		pending := c.redemptions.PendingClaims(info.Asset)
		if err := c.validator.ValidateCovered(ledger.SubTypeEngine, info.Asset, pending); err != nil {
			return fmt.Errorf("solvency: %w", err)
		}
	}

	// Silo holds exactly the outstanding cooldowns.
	silo := c.balances.SystemBalance(ledger.SubTypeSilo, c.cfg.MsUSD)
	if cooling := c.vault.CooldownTotal(); !silo.Eq(cooling) {
		return fmt.Errorf("silo balance %s != cooldowns %s", silo.Dec(), cooling.Dec())
	}

	// Share supply is zero or at least the minimum.
	if err := c.vault.CheckMinShares(c.balances.Supply(c.cfg.Vault)); err != nil {
		return err
	}
	return nil
}

func (c *DeterministicCore) recordStateGauges() {
	m := c.metrics
	m.TokenSupply.WithLabelValues("msusd").Set(observability.AmountFloat(c.balances.Supply(c.cfg.MsUSD), fpmath.TokenDecimals))
	m.TokenSupply.WithLabelValues("vault_share").Set(observability.AmountFloat(c.balances.Supply(c.cfg.Vault), fpmath.TokenDecimals))
	m.TokenSupply.WithLabelValues("rebase_v1").Set(observability.AmountFloat(c.rebase.TotalSupply(), fpmath.TokenDecimals))
	m.SupplyLimit.Set(observability.AmountFloat(c.supplyLimit.Limit(), fpmath.TokenDecimals))
	m.VaultTotalAssets.Set(observability.AmountFloat(c.vaultTotalAssets(), fpmath.TokenDecimals))
	m.VaultTotalShares.Set(observability.AmountFloat(c.balances.Supply(c.cfg.Vault), fpmath.TokenDecimals))
	m.VaultAPR.Set(observability.AmountFloat(c.rates.Latest(), fpmath.TokenDecimals))
	m.RebaseIndex.Set(observability.AmountFloat(c.rebase.Index(), fpmath.TokenDecimals))
	for _, info := range c.assets.List() {
		label := info.Asset.Hex()
		m.PendingClaims.WithLabelValues(label).Set(observability.AmountFloat(c.redemptions.PendingClaims(info.Asset), info.Decimals))
		m.EngineCollateral.WithLabelValues(label).Set(observability.AmountFloat(c.engineBalance(info.Asset), info.Decimals))
	}
}

// --- Shared helpers ---

func (c *DeterministicCore) engineBalance(asset common.Address) *uint256.Int {
	return c.balances.SystemBalance(ledger.SubTypeEngine, asset)
}

func (c *DeterministicCore) vaultTotalAssets() *uint256.Int {
	return c.balances.SystemBalance(ledger.SubTypeVault, c.cfg.MsUSD)
}

func (c *DeterministicCore) isToken(addr common.Address) bool {
	return addr == c.cfg.MsUSD || addr == c.cfg.Vault
}

func requirePositive(name string, v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return fmt.Errorf("%s: %w", name, ErrInvalidAmount)
	}
	return nil
}

func requireAddress(name string, addr common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%s: %w", name, ErrInvalidZeroAddress)
	}
	return nil
}

func sortedAddresses(addrs []common.Address) []common.Address {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0
	})
	return addrs
}
