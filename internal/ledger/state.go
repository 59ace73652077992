package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/store"
)

// OutboundOffer is a cross-node trade proposal to deliver to the
// counterparty's node.
type OutboundOffer struct {
	Node  domain.NodeID
	ID    domain.TradeID
	Trade domain.Trade
}

// State owns every account on this node plus the counters and the
// pending-trade index. Callers serialize access through the
// orchestrator's state lock, which is always acquired before the
// matcher lock.
type State struct {
	id               domain.NodeID
	nextAccountID    domain.AccountID
	nextTradeID      domain.TradeID
	pendingToAccount map[domain.TradeID]domain.AccountID
	accounts         map[domain.AccountID]*Account
	store            store.Store
}

// stateFile is the persisted node-state document. The pending index is
// part of it so pending trades survive a restart.
type stateFile struct {
	ID               domain.NodeID                         `json:"id"`
	NextAccountID    domain.AccountID                      `json:"next_account_id"`
	NextTradeID      domain.TradeID                        `json:"next_trade_id"`
	PendingToAccount map[domain.TradeID]domain.AccountID `json:"pending_to_account"`
}

func NewState(id domain.NodeID, st store.Store) *State {
	return &State{
		id:               id,
		pendingToAccount: make(map[domain.TradeID]domain.AccountID),
		accounts:         make(map[domain.AccountID]*Account),
		store:            st,
	}
}

// RestoreState rebuilds the node state and every persisted account from
// the store. ok is false on a fresh store.
func RestoreState(st store.Store) (*State, bool, error) {
	doc, ok, err := st.GetState()
	if err != nil || !ok {
		return nil, false, err
	}
	var f stateFile
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, false, fmt.Errorf("decode node state: %w", err)
	}
	s := &State{
		id:               f.ID,
		nextAccountID:    f.NextAccountID,
		nextTradeID:      f.NextTradeID,
		pendingToAccount: f.PendingToAccount,
		accounts:         make(map[domain.AccountID]*Account),
		store:            st,
	}
	if s.pendingToAccount == nil {
		s.pendingToAccount = make(map[domain.TradeID]domain.AccountID)
	}
	// Deleted accounts leave holes below nextAccountID; only restore the
	// ids that still have documents.
	for id := domain.AccountID(0); id < f.NextAccountID; id++ {
		a, found, err := restoreAccount(id, st)
		if err != nil {
			return nil, false, err
		}
		if found {
			s.accounts[id] = a
		}
	}
	return s, true, nil
}

func (s *State) persist() error {
	doc, err := json.Marshal(stateFile{
		ID:               s.id,
		NextAccountID:    s.nextAccountID,
		NextTradeID:      s.nextTradeID,
		PendingToAccount: s.pendingToAccount,
	})
	if err != nil {
		return fmt.Errorf("encode node state: %w", err)
	}
	return s.store.PutState(doc)
}

// ID is this node's shard id.
func (s *State) ID() domain.NodeID {
	return s.id
}

// Persist writes the state document; called once after a fresh node
// learns its id from the coordinator.
func (s *State) Persist() error {
	return s.persist()
}

// AccountCount reports how many accounts live on this node, for the
// coordinator's placement policy.
func (s *State) AccountCount() int {
	return len(s.accounts)
}

// CreateAccount allocates the next account id, persists the empty
// account and the bumped counter, and returns the new UserID.
func (s *State) CreateAccount() (domain.UserID, error) {
	id := domain.UserID{ID: s.nextAccountID, NodeID: s.id}
	a, err := newAccount(id, s.store)
	if err != nil {
		return domain.UserID{}, err
	}
	s.accounts[id.ID] = a
	s.nextAccountID++
	if err := s.persist(); err != nil {
		return domain.UserID{}, err
	}
	return id, nil
}

// Account resolves a UserID to its ledger account. A wrong node id or
// an unknown local id is ErrInvalidAccount.
func (s *State) Account(id domain.UserID) (*Account, error) {
	if id.NodeID != s.id {
		return nil, fmt.Errorf("%w: %+v belongs to node %d", domain.ErrInvalidAccount, id, id.NodeID)
	}
	a, ok := s.accounts[id.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no account %d on node %d", domain.ErrInvalidAccount, id.ID, s.id)
	}
	return a, nil
}

// DeleteAccount removes an empty account and its persisted record.
func (s *State) DeleteAccount(id domain.UserID) error {
	a, err := s.Account(id)
	if err != nil {
		return err
	}
	if err := a.delete(); err != nil {
		return err
	}
	delete(s.accounts, id.ID)
	return s.persist()
}

// ProcessMatches consumes the matcher's proposed trades exactly once.
// Trades with both accounts local settle synchronously in one pass;
// trades with a remote side get a TradeID, an optimistic pending entry
// on the local account, and an offer for the orchestrator to send.
func (s *State) ProcessMatches(trades []domain.Trade) ([]OutboundOffer, error) {
	var offers []OutboundOffer
	for _, t := range trades {
		if t.BuyerID.NodeID == s.id && t.SellerID.NodeID == s.id {
			if err := s.settleLocal(t); err != nil {
				return offers, err
			}
			continue
		}
		local, remote := t.BuyerID, t.SellerID
		if local.NodeID != s.id {
			local, remote = remote, local
		}
		if local.NodeID != s.id {
			panic(fmt.Sprintf("ledger: matcher proposed trade %+v with no local side on node %d", t, s.id))
		}
		account, err := s.Account(local)
		if err != nil {
			panic(fmt.Sprintf("ledger: matcher proposed trade for %v", err))
		}
		id := s.nextTradeID
		if err := account.AddPending(id, t); err != nil {
			return offers, err
		}
		s.nextTradeID++
		s.pendingToAccount[id] = local.ID
		offers = append(offers, OutboundOffer{Node: remote.NodeID, ID: id, Trade: t})
	}
	if err := s.persist(); err != nil {
		return offers, err
	}
	return offers, nil
}

// settleLocal applies a both-local trade atomically under the state
// lock: cash and stock move, and both sides' reservations are released
// at their own limit prices.
func (s *State) settleLocal(t domain.Trade) error {
	buyer, err := s.Account(t.BuyerID)
	if err != nil {
		panic(fmt.Sprintf("ledger: matcher proposed trade for %v", err))
	}
	seller, err := s.Account(t.SellerID)
	if err != nil {
		panic(fmt.Sprintf("ledger: matcher proposed trade for %v", err))
	}
	cost := t.Cost()
	if buyer.Balance < cost {
		panic(fmt.Sprintf("ledger: local trade %+v exceeds buyer balance %d", t, buyer.Balance))
	}
	buyer.Balance -= cost
	buyer.Portfolio[t.Ticker] += t.Quantity
	buyer.takeReservation(domain.OrderTypeBuy, t.Ticker, t.BuyPrice, t.Quantity)

	deducted, err := seller.DeductStock(t.Ticker, t.Quantity)
	if err != nil {
		return err
	}
	if deducted != t.Quantity {
		panic(fmt.Sprintf("ledger: local trade %+v found only %d shares", t, deducted))
	}
	seller.Balance += cost
	seller.takeReservation(domain.OrderTypeSell, t.Ticker, t.SellPrice, t.Quantity)

	if err := buyer.persist(); err != nil {
		return err
	}
	return seller.persist()
}

// CommitPending resolves an accepted offer on the initiating side. An
// unknown TradeID is a protocol violation and panics.
func (s *State) CommitPending(id domain.TradeID) error {
	account := s.takePendingAccount(id)
	if err := account.CommitPending(id); err != nil {
		return err
	}
	return s.persist()
}

// AbortPending resolves a rejected offer: the optimistic debit is
// reversed and the restored order is returned for resubmission.
func (s *State) AbortPending(id domain.TradeID) (domain.Order, error) {
	account := s.takePendingAccount(id)
	restored, err := account.AbortPending(id)
	if err != nil {
		return restored, err
	}
	return restored, s.persist()
}

func (s *State) takePendingAccount(id domain.TradeID) *Account {
	accountID, ok := s.pendingToAccount[id]
	if !ok {
		panic(fmt.Sprintf("ledger: reply for unknown trade id %d on node %d", id, s.id))
	}
	delete(s.pendingToAccount, id)
	account, ok := s.accounts[accountID]
	if !ok {
		panic(fmt.Sprintf("ledger: pending trade %d indexes missing account %d", id, accountID))
	}
	return account
}
