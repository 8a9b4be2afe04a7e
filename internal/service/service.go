package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"chillitrade/backend/internal/aggregate"
	"chillitrade/backend/internal/domain"
	"chillitrade/backend/internal/store"
	"chillitrade/backend/internal/weight"
	"chillitrade/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo  store.Repository
	stats *aggregate.Engine
}

func New(repo store.Repository, statsEngine *aggregate.Engine) *Service {
	if statsEngine == nil {
		statsEngine = aggregate.NewEngine(nil, 0)
	}

	return &Service{
		repo:  repo,
		stats: statsEngine,
	}
}

func (s *Service) owner(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, fmt.Errorf("authenticated actor required")
	}
	return actor, nil
}

// BuildEntry prices one weighed lot. All three inputs must be strictly
// positive.
func (s *Service) BuildEntry(input domain.EntryInput) (domain.Entry, error) {
	if input.Bags < 1 || input.Weight <= 0 || input.RatePerQuintal <= 0 {
		return domain.Entry{}, store.ErrInvalidInput
	}

	quintals, err := weight.Parse(input.Weight)
	if err != nil {
		return domain.Entry{}, err
	}

	return domain.Entry{
		ID:               xid.New("ent"),
		Bags:             input.Bags,
		Weight:           input.Weight,
		WeightInQuintals: quintals,
		RatePerQuintal:   input.RatePerQuintal,
		TotalAmount:      domain.Round2(quintals * input.RatePerQuintal),
	}, nil
}

// AssembleRecord folds a list of entries plus per-bag charges into a
// finalized purchase (seller role) or sale (buyer role) record. An empty
// entries list yields a zero-valued record, not an error.
func (s *Service) AssembleRecord(req domain.AssembleRequest) (domain.TradeRecord, error) {
	role, err := normalizeRole(req.Role)
	if err != nil {
		return domain.TradeRecord{}, err
	}
	sale := role == domain.RoleBuyer

	entries := make([]domain.Entry, 0, len(req.Entries))
	totalBags := 0
	totalWeight := 0.0
	entriesAmount := 0.0
	for _, input := range req.Entries {
		entry, err := s.BuildEntry(input)
		if err != nil {
			return domain.TradeRecord{}, err
		}
		entries = append(entries, entry)
		totalBags += entry.Bags
		totalWeight += entry.WeightInQuintals
		entriesAmount += entry.TotalAmount
	}

	traderName := strings.TrimSpace(req.TraderName)
	if traderName == "" {
		if sale {
			traderName = "Unknown Buyer"
		} else {
			traderName = "Unknown Seller"
		}
	}
	date := strings.TrimSpace(req.Date)
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	bardhanRate := req.BardhanRate
	if bardhanRate == 0 {
		bardhanRate = domain.DefaultBardhanRate
	}
	if bardhanRate < 0 {
		return domain.TradeRecord{}, store.ErrInvalidInput
	}

	record := domain.TradeRecord{
		ID:                    xid.New("rec"),
		Date:                  date,
		TraderName:            traderName,
		Entries:               entries,
		TotalBags:             totalBags,
		TotalWeightInQuintals: domain.Round3(totalWeight),
		BardhanRate:           bardhanRate,
		BardhanAmount:         domain.Round2(float64(totalBags) * bardhanRate),
	}

	grandTotal := entriesAmount + record.BardhanAmount
	if sale {
		kantaRate := req.KantaRate
		if kantaRate == 0 {
			kantaRate = domain.DefaultKantaRate
		}
		if kantaRate < 0 {
			return domain.TradeRecord{}, store.ErrInvalidInput
		}
		record.KantaRate = kantaRate
		record.KantaAmount = domain.Round2(float64(totalBags) * kantaRate)
		record.SourceSeller = strings.TrimSpace(req.SourceSeller)
		grandTotal += record.KantaAmount
	}
	record.TotalAmount = domain.Round2(grandTotal)

	if req.Settled < 0 {
		return domain.TradeRecord{}, store.ErrInvalidInput
	}
	record.SetSettled(role, req.Settled)

	return record, nil
}

// SaveSession persists a batch of records: insert on first save, update
// keyed by id afterwards. Session totals are recomputed before every write.
func (s *Service) SaveSession(ctx context.Context, req domain.SaveSessionRequest) (*domain.TradeSession, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.SessionName)
	if name == "" {
		name = "Session " + time.Now().UTC().Format("2006-01-02")
	}

	session := domain.TradeSession{
		ID:          req.ID,
		OwnerID:     actor.UserID,
		SessionName: name,
		Purchases:   req.Purchases,
		Sales:       req.Sales,
	}
	session.RecomputeTotals()

	var saved *domain.TradeSession
	if req.ID == "" {
		saved, err = s.repo.InsertSession(ctx, session)
	} else {
		saved, err = s.repo.UpdateSession(ctx, session)
	}
	if err != nil {
		return nil, err
	}

	s.stats.Invalidate(ctx, actor.UserID)
	return saved, nil
}

// ListSessions returns the owner's sessions newest-first, optionally
// filtered by a case-insensitive match on session name or trader name.
func (s *Service) ListSessions(ctx context.Context, query string) ([]domain.TradeSession, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}

	sessions, err := s.repo.ListSessions(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return sessions, nil
	}

	filtered := make([]domain.TradeSession, 0, len(sessions))
	for _, session := range sessions {
		if sessionMatches(session, query) {
			filtered = append(filtered, session)
		}
	}
	return filtered, nil
}

func sessionMatches(session domain.TradeSession, query string) bool {
	if strings.Contains(strings.ToLower(session.SessionName), query) {
		return true
	}
	for _, record := range session.Purchases {
		if strings.Contains(strings.ToLower(record.TraderName), query) {
			return true
		}
	}
	for _, record := range session.Sales {
		if strings.Contains(strings.ToLower(record.TraderName), query) {
			return true
		}
	}
	return false
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.TradeSession, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetSessionByID(ctx, actor.UserID, sessionID)
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	actor, err := s.owner(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return store.ErrInvalidInput
	}
	if err := s.repo.DeleteSession(ctx, actor.UserID, sessionID); err != nil {
		return err
	}
	s.stats.Invalidate(ctx, actor.UserID)
	return nil
}

// Stats aggregates every stored session of the owner.
func (s *Service) Stats(ctx context.Context) (domain.GlobalStats, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return domain.GlobalStats{}, err
	}

	sessions, err := s.repo.ListSessions(ctx, actor.UserID)
	if err != nil {
		return domain.GlobalStats{}, err
	}
	return s.stats.Stats(ctx, actor.UserID, sessions), nil
}

// SetTraderSettled overwrites the settled amount on every record of the
// named trader across every session. This is a broadcast write; most
// callers want UpdateRecordPayment instead. Returns the count of sessions
// modified; store failures are logged per session and skipped.
func (s *Service) SetTraderSettled(ctx context.Context, req domain.TraderPaymentRequest) (int, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return 0, err
	}
	role, err := normalizeRole(req.Role)
	if err != nil {
		return 0, err
	}
	traderKey := domain.NormalizeName(req.TraderName)
	if traderKey == "" || req.Amount < 0 {
		return 0, store.ErrInvalidInput
	}

	sessions, err := s.repo.ListSessions(ctx, actor.UserID)
	if err != nil {
		return 0, err
	}

	modified := 0
	for i := range sessions {
		records := roleRecords(&sessions[i], role)
		touched := false
		for j := range records {
			if domain.NormalizeName(records[j].TraderName) != traderKey {
				continue
			}
			records[j].SetSettled(role, req.Amount)
			touched = true
		}
		if !touched {
			continue
		}
		sessions[i].RecomputeTotals()
		if _, err := s.repo.UpdateSession(ctx, sessions[i]); err != nil {
			log.Printf("[service] WARN: settlement update skipped session=%s: %v", sessions[i].ID, err)
			continue
		}
		modified++
	}

	if modified > 0 {
		s.stats.Invalidate(ctx, actor.UserID)
	}
	return modified, nil
}

// AddTraderPayment distributes an incoming payment greedily across the
// trader's outstanding records, walking sessions in stored order. Records
// with no pending balance are skipped, and any amount left after the last
// outstanding record is dropped. Returns the count of sessions modified.
func (s *Service) AddTraderPayment(ctx context.Context, req domain.TraderPaymentRequest) (int, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return 0, err
	}
	role, err := normalizeRole(req.Role)
	if err != nil {
		return 0, err
	}
	traderKey := domain.NormalizeName(req.TraderName)
	if traderKey == "" || req.Amount <= 0 {
		return 0, store.ErrInvalidInput
	}

	sessions, err := s.repo.ListSessions(ctx, actor.UserID)
	if err != nil {
		return 0, err
	}

	remaining := req.Amount
	modified := 0
	for i := range sessions {
		if remaining <= 0 {
			break
		}
		records := roleRecords(&sessions[i], role)
		touched := false
		for j := range records {
			if remaining <= 0 {
				break
			}
			if domain.NormalizeName(records[j].TraderName) != traderKey {
				continue
			}
			pending := records[j].Pending(role)
			if pending <= 0 {
				continue
			}
			applied := pending
			if remaining < applied {
				applied = remaining
			}
			records[j].SetSettled(role, records[j].Settled(role)+applied)
			remaining = domain.Round2(remaining - applied)
			touched = true
		}
		if !touched {
			continue
		}
		sessions[i].RecomputeTotals()
		if _, err := s.repo.UpdateSession(ctx, sessions[i]); err != nil {
			log.Printf("[service] WARN: payment update skipped session=%s: %v", sessions[i].ID, err)
			continue
		}
		modified++
	}

	if modified > 0 {
		s.stats.Invalidate(ctx, actor.UserID)
	}
	return modified, nil
}

// UpdateRecordPayment overwrites the settled amount on exactly one record,
// located by session id and record id.
func (s *Service) UpdateRecordPayment(ctx context.Context, req domain.RecordPaymentRequest) error {
	actor, err := s.owner(ctx)
	if err != nil {
		return err
	}
	role, err := normalizeRole(req.Role)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.RecordID) == "" || req.Amount < 0 {
		return store.ErrInvalidInput
	}

	session, err := s.repo.GetSessionByID(ctx, actor.UserID, req.SessionID)
	if err != nil {
		return err
	}

	records := roleRecords(session, role)
	found := false
	for j := range records {
		if records[j].ID != req.RecordID {
			continue
		}
		records[j].SetSettled(role, req.Amount)
		found = true
		break
	}
	if !found {
		return store.ErrNotFound
	}

	session.RecomputeTotals()
	if _, err := s.repo.UpdateSession(ctx, *session); err != nil {
		return err
	}
	s.stats.Invalidate(ctx, actor.UserID)
	return nil
}

// RenameTrader merges a trader identity across history. For sellers the
// rename also propagates to every sale's sourceSeller reference; for buyers
// only sale record names change. Touched sessions get their cached totals
// recomputed before the write. Returns the count of sessions modified;
// zero matches is not an error.
func (s *Service) RenameTrader(ctx context.Context, req domain.TraderRenameRequest) (int, error) {
	actor, err := s.owner(ctx)
	if err != nil {
		return 0, err
	}
	role, err := normalizeRole(req.Role)
	if err != nil {
		return 0, err
	}
	oldKey := domain.NormalizeName(req.OldName)
	newName := strings.TrimSpace(req.NewName)
	if oldKey == "" || newName == "" {
		return 0, store.ErrInvalidInput
	}

	sessions, err := s.repo.ListSessions(ctx, actor.UserID)
	if err != nil {
		return 0, err
	}

	modified := 0
	for i := range sessions {
		touched := false
		if role == domain.RoleSeller {
			for j := range sessions[i].Purchases {
				if domain.NormalizeName(sessions[i].Purchases[j].TraderName) == oldKey {
					sessions[i].Purchases[j].TraderName = newName
					touched = true
				}
			}
			for j := range sessions[i].Sales {
				if domain.NormalizeName(sessions[i].Sales[j].SourceSeller) == oldKey {
					sessions[i].Sales[j].SourceSeller = newName
					touched = true
				}
			}
		} else {
			for j := range sessions[i].Sales {
				if domain.NormalizeName(sessions[i].Sales[j].TraderName) == oldKey {
					sessions[i].Sales[j].TraderName = newName
					touched = true
				}
			}
		}
		if !touched {
			continue
		}
		sessions[i].RecomputeTotals()
		if _, err := s.repo.UpdateSession(ctx, sessions[i]); err != nil {
			log.Printf("[service] WARN: rename update skipped session=%s: %v", sessions[i].ID, err)
			continue
		}
		modified++
	}

	if modified > 0 {
		s.stats.Invalidate(ctx, actor.UserID)
	}
	return modified, nil
}

func normalizeRole(role string) (string, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role != domain.RoleSeller && role != domain.RoleBuyer {
		return "", store.ErrInvalidInput
	}
	return role, nil
}

// roleRecords returns the record list a role operates on: purchases carry
// seller counterparties, sales carry buyers.
func roleRecords(session *domain.TradeSession, role string) []domain.TradeRecord {
	if role == domain.RoleBuyer {
		return session.Sales
	}
	return session.Purchases
}
