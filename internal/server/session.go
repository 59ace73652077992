package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/settlement"
	"github.com/chomosuke/distributed-exchange/internal/wire"
)

// session handles one authenticated client's requests. Every response
// is one line: a bare JSON value or a string status.
type session struct {
	orch   *settlement.Orchestrator
	userID domain.UserID
	log    *slog.Logger
}

// stockValue is the payload of C/D stock requests.
type stockValue struct {
	TickerID domain.Ticker   `json:"ticker_id"`
	Quantity domain.Quantity `json:"quantity"`
}

func (s *session) handle(line string) (string, error) {
	req, err := wire.ParseRequest(line)
	if err != nil {
		return "", err
	}
	switch req.Target {
	case wire.TargetBalance:
		return s.balance(req)
	case wire.TargetStock:
		return s.stock(req)
	case wire.TargetMarket:
		return s.market(req)
	case wire.TargetOrder:
		return s.order(req)
	case wire.TargetAccount:
		return s.account(req)
	}
	return "", fmt.Errorf("%w: target %q", domain.ErrMalformedRequest, req.Target)
}

func (s *session) balance(req wire.Request) (string, error) {
	switch req.CRUD {
	case wire.Read:
		balance, err := s.orch.Balance(s.userID)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(balance), 10), nil
	case wire.Update:
		var value domain.CentCount
		if err := req.UnmarshalValue(&value); err != nil {
			return "", err
		}
		ok, err := s.orch.SetBalance(s.userID, value)
		if err != nil {
			return "", err
		}
		if !ok {
			return wire.StatusNotEnough, nil
		}
		return wire.StatusOK, nil
	}
	return "", cannot(req)
}

func (s *session) stock(req wire.Request) (string, error) {
	switch req.CRUD {
	case wire.Read:
		holdings, err := s.orch.Portfolio(s.userID)
		if err != nil {
			return "", err
		}
		return asJSON(holdings)
	case wire.Create:
		var value stockValue
		if err := req.UnmarshalValue(&value); err != nil {
			return "", err
		}
		if err := s.orch.AddStock(s.userID, value.TickerID, value.Quantity); err != nil {
			return "", err
		}
		return wire.StatusOK, nil
	case wire.Delete:
		var value stockValue
		if err := req.UnmarshalValue(&value); err != nil {
			return "", err
		}
		ok, err := s.orch.DeductStock(s.userID, value.TickerID, value.Quantity)
		if err != nil {
			return "", err
		}
		if !ok {
			return wire.StatusNotEnough, nil
		}
		return wire.StatusOK, nil
	}
	return "", cannot(req)
}

func (s *session) market(req wire.Request) (string, error) {
	if req.CRUD != wire.Read {
		return "", cannot(req)
	}
	return asJSON(s.orch.MarketStats())
}

func (s *session) order(req wire.Request) (string, error) {
	switch req.CRUD {
	case wire.Create:
		var order domain.OrderRequest
		if err := req.UnmarshalValue(&order); err != nil {
			return "", err
		}
		admitted, err := s.orch.SubmitOrder(s.userID, order)
		if err != nil {
			return "", err
		}
		if !admitted {
			return wire.StatusNotEnough, nil
		}
		return wire.StatusOK, nil
	case wire.Read:
		orders, err := s.orch.Orders(s.userID)
		if err != nil {
			return "", err
		}
		return asJSON(orders)
	case wire.Delete:
		var order domain.OrderRequest
		if err := req.UnmarshalValue(&order); err != nil {
			return "", err
		}
		removed, err := s.orch.CancelOrder(s.userID, order)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(removed), 10), nil
	}
	return "", cannot(req)
}

func (s *session) account(req wire.Request) (string, error) {
	if req.CRUD != wire.Delete {
		return "", cannot(req)
	}
	if err := s.orch.DeleteAccount(s.userID); err != nil {
		if errors.Is(err, domain.ErrAccountNotEmpty) {
			return wire.StatusNotEmpty, nil
		}
		return "", err
	}
	return wire.StatusOK, nil
}

func cannot(req wire.Request) error {
	return fmt.Errorf("%w: cannot %s %s", domain.ErrMalformedRequest, req.CRUD, req.Target)
}

func asJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return string(b), nil
}
