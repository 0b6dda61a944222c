package state

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fpmath "msusd/internal/math"
)

const (
	DefaultClaimDelay = 7 * 24 * time.Hour
	MaxClaimDelay     = 30 * 24 * time.Hour
)

// RedemptionRequest is a queued claim on collateral. Claimed only grows and
// never exceeds Amount.
type RedemptionRequest struct {
	ID             uint64         `json:"id"`
	Asset          common.Address `json:"asset"`
	Amount         *uint256.Int   `json:"amount"`
	Claimed        *uint256.Int   `json:"claimed"`
	ClaimableAfter time.Time      `json:"claimable_after"`
}

// Remaining returns Amount - Claimed.
func (r *RedemptionRequest) Remaining() *uint256.Int {
	return new(uint256.Int).Sub(r.Amount, r.Claimed)
}

// Settled reports whether the request has been fully paid out.
func (r *RedemptionRequest) Settled() bool {
	return r.Claimed.Eq(r.Amount)
}

func (r *RedemptionRequest) clone() RedemptionRequest {
	return RedemptionRequest{
		ID:             r.ID,
		Asset:          r.Asset,
		Amount:         new(uint256.Int).Set(r.Amount),
		Claimed:        new(uint256.Int).Set(r.Claimed),
		ClaimableAfter: r.ClaimableAfter,
	}
}

type userAsset struct {
	User  common.Address
	Asset common.Address
}

// RedemptionLedger keeps every user's queue of redemption requests, the
// per-(user, asset) FIFO cursor and the per-asset pending total.
type RedemptionLedger struct {
	requests map[common.Address][]*RedemptionRequest
	byAsset  map[userAsset][]int // positions into requests[user]
	cursor   map[userAsset]int   // first unsettled position in byAsset
	pending  map[common.Address]*uint256.Int
	caps     map[common.Address]*uint256.Int

	claimDelay time.Duration
	enabled    bool
}

func NewRedemptionLedger() *RedemptionLedger {
	return &RedemptionLedger{
		requests:   make(map[common.Address][]*RedemptionRequest),
		byAsset:    make(map[userAsset][]int),
		cursor:     make(map[userAsset]int),
		pending:    make(map[common.Address]*uint256.Int),
		caps:       make(map[common.Address]*uint256.Int),
		claimDelay: DefaultClaimDelay,
		enabled:    true,
	}
}

// CheckRequest validates a new request for asset without recording it.
func (l *RedemptionLedger) CheckRequest(asset common.Address, amount *uint256.Int) error {
	if !l.enabled {
		return ErrRedemptionsDisabled
	}
	if amount.IsZero() {
		return fmt.Errorf("redemption amount: %w", ErrInvalidAmount)
	}
	limit, ok := l.caps[asset]
	if !ok {
		return nil
	}
	next, err := fpmath.Add(l.PendingClaims(asset), amount)
	if err != nil || next.Gt(limit) {
		return fmt.Errorf("pending %s + %s > cap %s: %w",
			l.PendingClaims(asset).Dec(), amount.Dec(), limit.Dec(), ErrRedemptionCapExceeded)
	}
	return nil
}

// Append records a request maturing claimDelay after now.
func (l *RedemptionLedger) Append(user, asset common.Address, amount *uint256.Int, now time.Time) RedemptionRequest {
	list := l.requests[user]
	req := &RedemptionRequest{
		ID:             uint64(len(list)),
		Asset:          asset,
		Amount:         new(uint256.Int).Set(amount),
		Claimed:        new(uint256.Int),
		ClaimableAfter: now.Add(l.claimDelay),
	}
	l.requests[user] = append(list, req)

	key := userAsset{User: user, Asset: asset}
	l.byAsset[key] = append(l.byAsset[key], len(list))

	l.pendingRef(asset).Add(l.pendingRef(asset), amount)
	return req.clone()
}

// ClaimFill is one request's share of a claim.
type ClaimFill struct {
	RequestID uint64
	Amount    *uint256.Int
	Settles   bool
}

// ClaimPlan is the outcome of a claim computed against current state.
// Nothing changes until ApplyClaim.
type ClaimPlan struct {
	User      common.Address
	Asset     common.Address
	Fills     []ClaimFill
	Total     *uint256.Int
	NewCursor int
}

// Count returns the number of requests touched by the plan.
func (p *ClaimPlan) Count() int {
	return len(p.Fills)
}

// PlanClaim walks the user's requests for asset in FIFO order from the
// cursor. It stops at the first immature request, after maxRequests
// requests, or once available is exhausted; the last request may be paid
// partially.
func (l *RedemptionLedger) PlanClaim(user, asset common.Address, maxRequests int, now time.Time, available *uint256.Int) (*ClaimPlan, error) {
	if maxRequests <= 0 {
		return nil, fmt.Errorf("max requests %d: %w", maxRequests, ErrInvalidAmount)
	}

	key := userAsset{User: user, Asset: asset}
	positions := l.byAsset[key]
	list := l.requests[user]
	left := new(uint256.Int).Set(available)

	plan := &ClaimPlan{
		User:  user,
		Asset: asset,
		Total: new(uint256.Int),
	}

	pos := l.cursor[key]
	for pos < len(positions) && len(plan.Fills) < maxRequests {
		req := list[positions[pos]]
		if now.Before(req.ClaimableAfter) {
			break
		}
		remaining := req.Remaining()
		if remaining.IsZero() {
			pos++
			continue
		}
		if left.IsZero() {
			break
		}

		take := fpmath.Min(remaining, left)
		settles := take.Eq(remaining)
		plan.Fills = append(plan.Fills, ClaimFill{
			RequestID: req.ID,
			Amount:    take,
			Settles:   settles,
		})
		plan.Total.Add(plan.Total, take)
		left.Sub(left, take)

		if !settles {
			break
		}
		pos++
	}
	plan.NewCursor = pos

	if len(plan.Fills) == 0 {
		return nil, ErrNoTokensClaimable
	}
	return plan, nil
}

// ApplyClaim commits a plan produced by PlanClaim on the same state.
func (l *RedemptionLedger) ApplyClaim(plan *ClaimPlan) {
	list := l.requests[plan.User]
	for _, fill := range plan.Fills {
		req := list[fill.RequestID]
		req.Claimed.Add(req.Claimed, fill.Amount)
		if req.Claimed.Gt(req.Amount) {
			panic(fmt.Sprintf("FATAL: request %d of %s over-claimed: %s > %s",
				req.ID, plan.User.Hex(), req.Claimed.Dec(), req.Amount.Dec()))
		}
	}

	key := userAsset{User: plan.User, Asset: plan.Asset}
	if plan.NewCursor < l.cursor[key] {
		panic(fmt.Sprintf("FATAL: cursor for %s/%s moved backwards", plan.User.Hex(), plan.Asset.Hex()))
	}
	l.cursor[key] = plan.NewCursor

	pending := l.pendingRef(plan.Asset)
	if pending.Lt(plan.Total) {
		panic(fmt.Sprintf("FATAL: pending claims for %s below claim total", plan.Asset.Hex()))
	}
	pending.Sub(pending, plan.Total)
}

func (l *RedemptionLedger) pendingRef(asset common.Address) *uint256.Int {
	p, ok := l.pending[asset]
	if !ok {
		p = new(uint256.Int)
		l.pending[asset] = p
	}
	return p
}

// PendingClaims returns the unsettled remainder over all requests for asset.
func (l *RedemptionLedger) PendingClaims(asset common.Address) *uint256.Int {
	if p, ok := l.pending[asset]; ok {
		return new(uint256.Int).Set(p)
	}
	return new(uint256.Int)
}

// PendingAssets lists assets with a non-zero pending total.
func (l *RedemptionLedger) PendingAssets() []common.Address {
	out := make([]common.Address, 0, len(l.pending))
	for asset, p := range l.pending {
		if !p.IsZero() {
			out = append(out, asset)
		}
	}
	return out
}

// ComputePending recomputes the pending total of asset from the requests.
func (l *RedemptionLedger) ComputePending(asset common.Address) *uint256.Int {
	total := new(uint256.Int)
	for _, list := range l.requests {
		for _, req := range list {
			if req.Asset == asset {
				total.Add(total, req.Remaining())
			}
		}
	}
	return total
}

// Cursor returns the FIFO position of the first unsettled request.
func (l *RedemptionLedger) Cursor(user, asset common.Address) int {
	return l.cursor[userAsset{User: user, Asset: asset}]
}

// RequestCount returns how many requests user has made for asset.
func (l *RedemptionLedger) RequestCount(user, asset common.Address) int {
	return len(l.byAsset[userAsset{User: user, Asset: asset}])
}

// Requests pages through user's requests for asset in FIFO order.
func (l *RedemptionLedger) Requests(user, asset common.Address, offset, limit int) []RedemptionRequest {
	positions := l.byAsset[userAsset{User: user, Asset: asset}]
	list := l.requests[user]
	out := make([]RedemptionRequest, 0)
	for _, pos := range page(len(positions), offset, limit) {
		out = append(out, list[positions[pos]].clone())
	}
	return out
}

// UserRequests pages through every request of user.
func (l *RedemptionLedger) UserRequests(user common.Address, offset, limit int) []RedemptionRequest {
	list := l.requests[user]
	out := make([]RedemptionRequest, 0)
	for _, pos := range page(len(list), offset, limit) {
		out = append(out, list[pos].clone())
	}
	return out
}

func page(n, offset, limit int) []int {
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return nil
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	idx := make([]int, 0, end-offset)
	for i := offset; i < end; i++ {
		idx = append(idx, i)
	}
	return idx
}

// Cap returns the redemption cap for asset and whether one is set.
func (l *RedemptionLedger) Cap(asset common.Address) (*uint256.Int, bool) {
	c, ok := l.caps[asset]
	if !ok {
		return nil, false
	}
	return new(uint256.Int).Set(c), true
}

// SetCap limits pending claims on asset. A zero limit removes the cap.
func (l *RedemptionLedger) SetCap(asset common.Address, limit *uint256.Int) error {
	cur, ok := l.caps[asset]
	if limit.IsZero() {
		if !ok {
			return fmt.Errorf("redemption cap for %s already unset: %w", asset.Hex(), ErrAlreadySet)
		}
		delete(l.caps, asset)
		return nil
	}
	if ok && cur.Eq(limit) {
		return fmt.Errorf("redemption cap %s: %w", limit.Dec(), ErrAlreadySet)
	}
	l.caps[asset] = new(uint256.Int).Set(limit)
	return nil
}

func (l *RedemptionLedger) ClaimDelay() time.Duration {
	return l.claimDelay
}

func (l *RedemptionLedger) SetClaimDelay(d time.Duration) error {
	if d < 0 || d > MaxClaimDelay {
		return fmt.Errorf("claim delay %s outside [0, %s]: %w", d, MaxClaimDelay, ErrInvalidAmount)
	}
	if d == l.claimDelay {
		return fmt.Errorf("claim delay %s: %w", d, ErrAlreadySet)
	}
	l.claimDelay = d
	return nil
}

func (l *RedemptionLedger) Enabled() bool {
	return l.enabled
}

func (l *RedemptionLedger) SetEnabled(enabled bool) error {
	if l.enabled == enabled {
		return fmt.Errorf("redemptions enabled=%t: %w", enabled, ErrAlreadySet)
	}
	l.enabled = enabled
	return nil
}

// RedemptionSnapshot is the serialisable form of the ledger.
type RedemptionSnapshot struct {
	Requests   map[common.Address][]RedemptionRequest `json:"requests"`
	Cursors    []CursorEntry                          `json:"cursors"`
	Caps       map[common.Address]*uint256.Int        `json:"caps"`
	ClaimDelay time.Duration                          `json:"claim_delay"`
	Enabled    bool                                   `json:"enabled"`
}

type CursorEntry struct {
	User   common.Address `json:"user"`
	Asset  common.Address `json:"asset"`
	Cursor int            `json:"cursor"`
}

func (l *RedemptionLedger) Snapshot() RedemptionSnapshot {
	snap := RedemptionSnapshot{
		Requests:   make(map[common.Address][]RedemptionRequest, len(l.requests)),
		Caps:       make(map[common.Address]*uint256.Int, len(l.caps)),
		ClaimDelay: l.claimDelay,
		Enabled:    l.enabled,
	}
	for user, list := range l.requests {
		reqs := make([]RedemptionRequest, len(list))
		for i, req := range list {
			reqs[i] = req.clone()
		}
		snap.Requests[user] = reqs
	}
	for key, c := range l.cursor {
		snap.Cursors = append(snap.Cursors, CursorEntry{User: key.User, Asset: key.Asset, Cursor: c})
	}
	for asset, c := range l.caps {
		snap.Caps[asset] = new(uint256.Int).Set(c)
	}
	return snap
}

// Load rebuilds the ledger from a snapshot. Indices and pending totals are
// derived from the requests.
func (l *RedemptionLedger) Load(snap RedemptionSnapshot) {
	fresh := NewRedemptionLedger()
	fresh.claimDelay = snap.ClaimDelay
	fresh.enabled = snap.Enabled

	for user, reqs := range snap.Requests {
		list := make([]*RedemptionRequest, len(reqs))
		for i := range reqs {
			req := reqs[i].clone()
			list[i] = &req
			key := userAsset{User: user, Asset: req.Asset}
			fresh.byAsset[key] = append(fresh.byAsset[key], i)
			fresh.pendingRef(req.Asset).Add(fresh.pendingRef(req.Asset), req.Remaining())
		}
		fresh.requests[user] = list
	}
	for _, c := range snap.Cursors {
		fresh.cursor[userAsset{User: c.User, Asset: c.Asset}] = c.Cursor
	}
	for asset, c := range snap.Caps {
		if c == nil || c.IsZero() {
			continue
		}
		fresh.caps[asset] = new(uint256.Int).Set(c)
	}
	*l = *fresh
}
