package orderbook

import (
	"slices"
	"sort"
)

// better reports whether price a has strictly higher priority than b on the given side:
// higher for bids, lower for asks.
func better(side Side, a, b uint64) bool {
	if side == Bid {
		return a > b
	}
	return a < b
}

// insertOrder places o after every order whose price is at least as good,
// which keeps the book sorted and preserves arrival order at equal prices.
// O(log n) search plus one slice shift.
func insertOrder(book []Order, o Order) []Order {
	i := sort.Search(len(book), func(i int) bool {
		return better(o.Side, o.Price, book[i].Price)
	})
	return slices.Insert(book, i, o)
}

// findExact returns the index of the earliest resting order priced exactly at price.
// The search never looks past the target price in the book's direction, so a resting
// order at a better (crossing) price is not considered a match.
func findExact(book []Order, side Side, price uint64) (int, bool) {
	i := sort.Search(len(book), func(i int) bool {
		return !better(side, book[i].Price, price)
	})
	if i < len(book) && book[i].Price == price {
		return i, true
	}
	return 0, false
}

func removeOrder(book []Order, i int) []Order {
	return slices.Delete(book, i, i+1)
}

func subSat(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func addSat(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}
