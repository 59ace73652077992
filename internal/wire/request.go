package wire

import (
	"encoding/json"
	"fmt"

	"github.com/chomosuke/distributed-exchange/internal/domain"
)

// CRUD is the verb half of a client request type.
type CRUD byte

const (
	Create CRUD = 'C'
	Read   CRUD = 'R'
	Update CRUD = 'U'
	Delete CRUD = 'D'
)

func (c CRUD) String() string {
	switch c {
	case Create:
		return "C"
	case Read:
		return "R"
	case Update:
		return "U"
	case Delete:
		return "D"
	}
	return string(rune(c))
}

// Target is the noun half of a client request type.
type Target string

const (
	TargetBalance Target = "balance"
	TargetStock   Target = "stock"
	TargetMarket  Target = "market"
	TargetOrder   Target = "order"
	TargetAccount Target = "account"
)

// Request is a decoded client request. The payload stays raw until the
// handler for the (CRUD, Target) pair knows its concrete shape.
type Request struct {
	CRUD   CRUD
	Target Target
	Value  json.RawMessage
}

// Bye is the session-terminating request line.
const Bye = `"bye"`

type rawRequest struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// ParseRequest decodes a `{"type": "<C|R|U|D> <target>", "value": ...}`
// line. Anything that does not fit the closed union is a malformed
// request; the connection survives it.
func ParseRequest(line string) (Request, error) {
	var raw rawRequest
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Request{}, fmt.Errorf("%w: not a json object: %s", domain.ErrMalformedRequest, line)
	}
	if len(raw.Type) < 3 || raw.Type[1] != ' ' {
		return Request{}, fmt.Errorf("%w: bad type %q", domain.ErrMalformedRequest, raw.Type)
	}
	crud := CRUD(raw.Type[0])
	switch crud {
	case Create, Read, Update, Delete:
	default:
		return Request{}, fmt.Errorf("%w: bad verb %q", domain.ErrMalformedRequest, raw.Type)
	}
	target := Target(raw.Type[2:])
	switch target {
	case TargetBalance, TargetStock, TargetMarket, TargetOrder, TargetAccount:
	default:
		return Request{}, fmt.Errorf("%w: bad target %q", domain.ErrMalformedRequest, raw.Type)
	}
	return Request{CRUD: crud, Target: target, Value: raw.Value}, nil
}

// UnmarshalValue decodes the payload into out, mapping failures and a
// missing value to ErrMalformedRequest.
func (r Request) UnmarshalValue(out any) error {
	if len(r.Value) == 0 {
		return fmt.Errorf("%w: no value for %s %s", domain.ErrMalformedRequest, r.CRUD, r.Target)
	}
	if err := json.Unmarshal(r.Value, out); err != nil {
		return fmt.Errorf("%w: bad value for %s %s: %v", domain.ErrMalformedRequest, r.CRUD, r.Target, err)
	}
	return nil
}

// Statuses returned to clients as bare JSON strings.
const (
	StatusOK        = `"ok"`
	StatusNotEnough = `"notEnough"`
	StatusNotEmpty  = `"notEmpty"`
)
