package exchange

import (
	"sort"

	"github.com/xtrntr/resale/internal/models"
)

// book holds the PENDING bids of one variant, best first on each side.
// It is only touched while the variant lock is held.
type book struct {
	buys  []models.Bid
	sells []models.Bid
}

func newBook(pending []models.Bid) *book {
	b := &book{}
	for _, bid := range pending {
		b.add(bid)
	}
	return b
}

// add inserts a bid keeping price-time priority:
// buys highest price first, sells lowest price first, then earliest time.
func (b *book) add(bid models.Bid) {
	side := b.side(bid.Side)
	i := sort.Search(len(*side), func(i int) bool { return bid.Ahead((*side)[i]) })
	*side = append(*side, models.Bid{})
	copy((*side)[i+1:], (*side)[i:])
	(*side)[i] = bid
}

// best returns the resting bid an incoming bid would match, if any.
func (b *book) best(incoming models.Bid) (models.Bid, bool) {
	opp := *b.side(incoming.Side.Opposite())
	if len(opp) == 0 {
		return models.Bid{}, false
	}
	if !incoming.Crosses(opp[0]) {
		return models.Bid{}, false
	}
	return opp[0], true
}

// remove drops a bid from either side, returns false if it was not there.
func (b *book) remove(id string) bool {
	for _, side := range []*[]models.Bid{&b.buys, &b.sells} {
		for i, bid := range *side {
			if bid.ID == id {
				*side = append((*side)[:i], (*side)[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (b *book) side(s models.Side) *[]models.Bid {
	if s == models.SideBuy {
		return &b.buys
	}
	return &b.sells
}

func (b *book) snapshot() ([]models.Bid, []models.Bid) {
	buys := make([]models.Bid, len(b.buys))
	copy(buys, b.buys)
	sells := make([]models.Bid, len(b.sells))
	copy(sells, b.sells)
	return buys, sells
}
