package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chomosuke/distributed-exchange/internal/domain"
)

// recorder collects dispatched messages.
type recorder struct {
	updates []OrderUpdate
	offers  []Offer
	replies []OfferReply
	froms   []domain.NodeID
}

func (r *recorder) HandleOrderUpdate(from domain.NodeID, u OrderUpdate) {
	r.froms = append(r.froms, from)
	r.updates = append(r.updates, u)
}

func (r *recorder) HandleOffer(from domain.NodeID, o Offer) {
	r.froms = append(r.froms, from)
	r.offers = append(r.offers, o)
}

func (r *recorder) HandleOfferReply(from domain.NodeID, rep OfferReply) {
	r.froms = append(r.froms, from)
	r.replies = append(r.replies, rep)
}

func TestEncodeDispatch_RoundTrips(t *testing.T) {
	update := OrderUpdate{
		Deduct: true,
		Order: domain.Order{
			Type: domain.OrderTypeSell, Ticker: "AMD",
			UserID:   domain.UserID{ID: 4, NodeID: 1},
			Quantity: 50, Price: 12,
		},
	}
	offer := Offer{
		ID: 9,
		Trade: domain.Trade{
			Quantity: 50, Ticker: "AMD",
			BuyerID:  domain.UserID{ID: 1, NodeID: 0},
			SellerID: domain.UserID{ID: 4, NodeID: 1},
			BuyPrice: 15, SellPrice: 12,
		},
	}
	reply := OfferReply{ID: 9, Accepted: true}

	rec := &recorder{}
	for _, msg := range []any{update, offer, reply} {
		line, err := encode(msg)
		require.NoError(t, err)
		require.NoError(t, dispatch(rec, 2, line))
	}

	require.Equal(t, []OrderUpdate{update}, rec.updates)
	require.Equal(t, []Offer{offer}, rec.offers)
	require.Equal(t, []OfferReply{reply}, rec.replies)
	require.Equal(t, []domain.NodeID{2, 2, 2}, rec.froms)
}

func TestDispatch_WireFormat(t *testing.T) {
	// The line layout other nodes produce.
	line := `{"type":"reply","value":{"id":3,"accepted":false}}`
	rec := &recorder{}
	require.NoError(t, dispatch(rec, 1, line))
	require.Equal(t, []OfferReply{{ID: 3, Accepted: false}}, rec.replies)
}

func TestDispatch_Violations(t *testing.T) {
	rec := &recorder{}
	for _, line := range []string{
		`not json`,
		`{"type":"trade","value":{}}`,
		`{"type":"offer","value":"nope"}`,
	} {
		require.Error(t, dispatch(rec, 1, line), "line %q", line)
	}
}

func TestEncode_UnknownTypePanics(t *testing.T) {
	require.Panics(t, func() { encode("hello") })
}
