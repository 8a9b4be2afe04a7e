// Package aggregate folds every stored session of one owner into global
// totals and per-trader balances.
package aggregate

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"chillitrade/backend/internal/cache"
	"chillitrade/backend/internal/domain"
)

type Engine struct {
	cache    cache.StatsCache
	cacheTTL time.Duration
}

func NewEngine(cacheStore cache.StatsCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopStatsCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

func statsKey(ownerID string) string {
	return "stats:" + ownerID
}

// Stats returns the owner's aggregation, served from cache when a fresh
// entry exists. Cache failures fall back to a recompute.
func (e *Engine) Stats(ctx context.Context, ownerID string, sessions []domain.TradeSession) domain.GlobalStats {
	key := statsKey(ownerID)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		return *cached
	} else if err != nil {
		log.Printf("[aggregate] WARN: stats cache read failed: %v", err)
	}

	stats := Compute(sessions)
	if err := e.cache.Set(ctx, key, &stats, e.cacheTTL); err != nil {
		log.Printf("[aggregate] WARN: stats cache write failed: %v", err)
	}
	return stats
}

// Invalidate drops the owner's cached aggregation. Callers invoke it after
// every session mutation.
func (e *Engine) Invalidate(ctx context.Context, ownerID string) {
	if err := e.cache.Invalidate(ctx, statsKey(ownerID)); err != nil {
		log.Printf("[aggregate] WARN: stats cache invalidate failed: %v", err)
	}
}

// Compute is the pure aggregation pass. It is idempotent over its input:
// balances are rebuilt from scratch on every call, never incremented from a
// previous result. Traders are keyed case-insensitively; the first stored
// spelling wins as the display name.
func Compute(sessions []domain.TradeSession) domain.GlobalStats {
	stats := domain.GlobalStats{
		Sellers: make(map[string]domain.TraderBalance),
		Buyers:  make(map[string]domain.TraderBalance),
	}

	soldTo := make(map[string]map[string]string)
	boughtFrom := make(map[string]map[string]string)

	for _, session := range sessions {
		for _, record := range session.Purchases {
			stats.TotalPurchaseAmount += record.TotalAmount
			stats.BagsPurchased += record.TotalBags
			stats.TotalPaid += record.AmountPaid
			accumulate(stats.Sellers, record.TraderName, record, domain.RoleSeller)
		}
		for _, record := range session.Sales {
			stats.TotalSaleAmount += record.TotalAmount
			stats.BagsSold += record.TotalBags
			stats.TotalReceived += record.AmountReceived
			accumulate(stats.Buyers, record.TraderName, record, domain.RoleBuyer)
		}
	}

	// Relationship pass: sale records reference the purchase-side trader by
	// name. The buyer edge is always recorded; the seller edge only when the
	// referenced seller actually exists on the purchase side.
	for _, session := range sessions {
		for _, record := range session.Sales {
			source := strings.TrimSpace(record.SourceSeller)
			if source == "" {
				continue
			}
			buyerKey := domain.NormalizeName(record.TraderName)
			sellerKey := domain.NormalizeName(source)

			sellerDisplay := source
			if seller, ok := stats.Sellers[sellerKey]; ok {
				sellerDisplay = seller.Name
				buyer := stats.Buyers[buyerKey]
				addEdge(soldTo, sellerKey, buyerKey, buyer.Name)
			}
			addEdge(boughtFrom, buyerKey, sellerKey, sellerDisplay)
		}
	}

	for key, seller := range stats.Sellers {
		seller.Pending = domain.Round2(seller.TotalAmount - seller.Settled)
		seller.TotalAmount = domain.Round2(seller.TotalAmount)
		seller.Settled = domain.Round2(seller.Settled)
		seller.SoldTo = sortedEdges(soldTo[key])
		stats.Sellers[key] = seller
		stats.PendingPayable += seller.Pending
	}
	for key, buyer := range stats.Buyers {
		buyer.Pending = domain.Round2(buyer.TotalAmount - buyer.Settled)
		buyer.TotalAmount = domain.Round2(buyer.TotalAmount)
		buyer.Settled = domain.Round2(buyer.Settled)
		buyer.BoughtFrom = sortedEdges(boughtFrom[key])
		stats.Buyers[key] = buyer
		stats.PendingReceivable += buyer.Pending
	}

	stats.TotalPurchaseAmount = domain.Round2(stats.TotalPurchaseAmount)
	stats.TotalSaleAmount = domain.Round2(stats.TotalSaleAmount)
	stats.NetProfit = domain.Round2(stats.TotalSaleAmount - stats.TotalPurchaseAmount)
	stats.BagsRemaining = stats.BagsPurchased - stats.BagsSold
	stats.TotalPaid = domain.Round2(stats.TotalPaid)
	stats.TotalReceived = domain.Round2(stats.TotalReceived)
	stats.PendingPayable = domain.Round2(stats.PendingPayable)
	stats.PendingReceivable = domain.Round2(stats.PendingReceivable)

	return stats
}

func accumulate(balances map[string]domain.TraderBalance, name string, record domain.TradeRecord, role string) {
	key := domain.NormalizeName(name)
	if key == "" {
		return
	}
	balance, ok := balances[key]
	if !ok {
		balance.Name = strings.TrimSpace(name)
	}
	balance.TotalBags += record.TotalBags
	balance.TotalAmount += record.TotalAmount
	balance.Settled += record.Settled(role)
	balances[key] = balance
}

func addEdge(edges map[string]map[string]string, from string, toKey string, toDisplay string) {
	if toKey == "" {
		return
	}
	set, ok := edges[from]
	if !ok {
		set = make(map[string]string)
		edges[from] = set
	}
	if _, exists := set[toKey]; !exists {
		set[toKey] = toDisplay
	}
}

func sortedEdges(set map[string]string) []string {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for _, display := range set {
		names = append(names, display)
	}
	sort.Strings(names)
	return names
}
