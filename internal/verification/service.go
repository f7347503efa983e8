// Package verification runs the community alert pool lifecycle: staking, admin
// verification with rewards, rejection with forfeiture, deletion and admin declarations.
package verification

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coinbeat/internal/alerting"
	"coinbeat/internal/apperr"
	"coinbeat/internal/metrics"
	"coinbeat/internal/pool"
	"coinbeat/internal/storage"
)

// Config carries pool economics.
type Config struct {
	PoolSize         int64
	StakeCost        int64
	RewardMultiplier int64
	Payload          alerting.PayloadTemplate
}

// StakeRequest is a user's submission of proof for a community alert.
type StakeRequest struct {
	UserID    string            `json:"userId"`
	CoinID    string            `json:"coinId"`
	AlertType storage.AlertType `json:"alertType"`
	ProofLink string            `json:"proofLink"`
}

// StakeResult reports whether a record was created or only its proof link updated.
type StakeResult struct {
	Created bool
	Updated bool
	Record  storage.AlertRecord
}

// AdminAlertRequest declares an authoritative alert without staking.
type AdminAlertRequest struct {
	CoinID      string            `json:"coinId"`
	AlertType   storage.AlertType `json:"alertType"`
	ProofLink   string            `json:"proofLink"`
	NewContract string            `json:"newContract,omitempty"`
}

// Reward is the credit paid to one pool member on verification.
type Reward struct {
	UserID      string `json:"userId"`
	EggsAwarded int64  `json:"eggsAwarded"`
}

// PoolView is the flat record listing of one pool with its derived totals.
type PoolView struct {
	Records    []storage.AlertRecord
	TotalEggs  int64
	PoolFilled bool
}

// Service mutates pools through single transactions on the backend.
type Service struct {
	backend storage.Backend
	ops     alerting.OpsNotifier
	metrics *metrics.Metrics
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string
}

// NewService constructs the verification service. ops and m may be nil.
func NewService(backend storage.Backend, cfg Config, ops alerting.OpsNotifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		backend: backend,
		ops:     ops,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With().Str("component", "verification").Logger(),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Stake records a user's claim on a pool. Re-submitting for the same pool only replaces
// the proof link.
func (s *Service) Stake(ctx context.Context, req StakeRequest) (StakeResult, error) {
	if err := validateStake(req); err != nil {
		s.metrics.ObserveStake(string(req.AlertType), "invalid")
		return StakeResult{}, err
	}

	var (
		result    StakeResult
		poolTotal int64
		members   int
	)
	err := s.backend.InTx(ctx, func(repo storage.Repository) error {
		if err := lockPool(ctx, repo, pool.Key{CoinID: req.CoinID, AlertType: req.AlertType}); err != nil {
			return err
		}

		existing, err := repo.FindActiveRecord(ctx, req.UserID, req.CoinID, req.AlertType)
		switch {
		case err == nil:
			if err := repo.UpdateProofLink(ctx, existing.ID, req.ProofLink); err != nil {
				return apperr.Upstream(err, "update proof link")
			}
			existing.ProofLink = req.ProofLink
			result = StakeResult{Updated: true, Record: existing}
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return apperr.Upstream(err, "lookup alert record")
		}

		current, err := repo.LockPoolMembers(ctx, req.CoinID, req.AlertType)
		if err != nil {
			return apperr.Upstream(err, "load pool")
		}
		for _, rec := range current {
			if rec.Status == storage.StatusVerified {
				return apperr.Conflict("%s alert for %s is already verified", req.AlertType, req.CoinID)
			}
		}

		if _, err := repo.Debit(ctx, req.UserID, s.cfg.StakeCost); err != nil {
			if errors.Is(err, storage.ErrInsufficientFunds) {
				return apperr.InsufficientFunds("not enough eggs: staking requires %d", s.cfg.StakeCost)
			}
			return apperr.Upstream(err, "debit stake")
		}

		rec, err := repo.InsertAlertRecord(ctx, storage.AlertRecord{
			ID:         s.newID(),
			UserID:     req.UserID,
			CoinID:     req.CoinID,
			AlertType:  req.AlertType,
			ProofLink:  req.ProofLink,
			EggsStaked: s.cfg.StakeCost,
			Status:     storage.StatusPending,
			CreatedAt:  s.now().UTC(),
		})
		if errors.Is(err, storage.ErrDuplicate) {
			return apperr.Conflict("an active %s alert for %s already exists for this user", req.AlertType, req.CoinID)
		}
		if err != nil {
			return apperr.Upstream(err, "insert alert record")
		}

		before := pool.TotalEggs(current)
		poolTotal = before + rec.EggsStaked
		members = len(current) + 1
		if before >= s.cfg.PoolSize || poolTotal < s.cfg.PoolSize {
			poolTotal = 0
		}
		result = StakeResult{Created: true, Record: rec}
		return nil
	})
	if err != nil {
		s.metrics.ObserveStake(string(req.AlertType), "rejected")
		return StakeResult{}, err
	}

	if result.Created {
		s.metrics.ObserveStake(string(req.AlertType), "created")
		s.logger.Info().
			Str("user_id", req.UserID).
			Str("coin_id", req.CoinID).
			Str("alert_type", string(req.AlertType)).
			Int64("eggs", s.cfg.StakeCost).
			Msg("stake accepted")
	} else {
		s.metrics.ObserveStake(string(req.AlertType), "updated")
	}

	if poolTotal > 0 {
		s.notifyOps(ctx, alerting.OpsEvent{
			Kind:      alerting.OpsPoolReady,
			CoinID:    req.CoinID,
			AlertType: string(req.AlertType),
			TotalEggs: poolTotal,
			PoolSize:  s.cfg.PoolSize,
			Members:   members,
			At:        s.now().UTC(),
		})
	}
	return result, nil
}

// Verify pays every member of a filled pool RewardMultiplier times their stake and marks
// the pool verified.
func (s *Service) Verify(ctx context.Context, key pool.Key) ([]Reward, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var (
		rewards []Reward
		total   int64
	)
	err := s.backend.InTx(ctx, func(repo storage.Repository) error {
		members, err := s.lockResolvable(ctx, repo, key)
		if err != nil {
			return err
		}
		total = pool.TotalEggs(members)
		if total < s.cfg.PoolSize {
			return apperr.InvalidState("pool not filled: %d of %d eggs staked", total, s.cfg.PoolSize)
		}

		rewards = make([]Reward, 0, len(members))
		ids := make([]string, 0, len(members))
		for _, rec := range members {
			award := s.cfg.RewardMultiplier * rec.EggsStaked
			if award > 0 {
				if _, err := repo.Credit(ctx, rec.UserID, award); err != nil {
					return apperr.Upstream(err, fmt.Sprintf("credit reward to %s", rec.UserID))
				}
			}
			rewards = append(rewards, Reward{UserID: rec.UserID, EggsAwarded: award})
			ids = append(ids, rec.ID)

			body := fmt.Sprintf("Your %s alert for %s was verified. You earned %d eggs.", key.AlertType, strings.ToUpper(key.CoinID), award)
			if err := s.queueNotification(ctx, repo, rec.UserID, key.CoinID, storage.NotifyAlertVerified, "Alert verified", body, now); err != nil {
				return err
			}
		}
		if err := repo.MarkVerified(ctx, ids, now); err != nil {
			return apperr.Upstream(err, "mark pool verified")
		}
		return nil
	})
	if err != nil {
		s.metrics.ObservePoolResolution("verify", apperr.KindOf(err).String())
		return nil, err
	}

	var paid int64
	for _, r := range rewards {
		paid += r.EggsAwarded
	}
	s.metrics.ObservePoolResolution("verify", "ok")
	s.metrics.AddRewardEggs(paid)
	s.logger.Info().
		Str("coin_id", key.CoinID).
		Str("alert_type", string(key.AlertType)).
		Int("members", len(rewards)).
		Int64("eggs_awarded", paid).
		Msg("pool verified")

	s.notifyOps(ctx, alerting.OpsEvent{
		Kind:      alerting.OpsPoolVerified,
		CoinID:    key.CoinID,
		AlertType: string(key.AlertType),
		TotalEggs: total,
		PoolSize:  s.cfg.PoolSize,
		Members:   len(rewards),
		At:        now,
	})
	return rewards, nil
}

// Reject forfeits every stake of an unresolved pool and archives its members.
// It returns the notified user ids.
func (s *Service) Reject(ctx context.Context, key pool.Key) ([]string, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var (
		notified []string
		total    int64
	)
	err := s.backend.InTx(ctx, func(repo storage.Repository) error {
		members, err := s.lockResolvable(ctx, repo, key)
		if err != nil {
			return err
		}
		total = pool.TotalEggs(members)

		ids := make([]string, 0, len(members))
		notified = make([]string, 0, len(members))
		for _, rec := range members {
			ids = append(ids, rec.ID)
			notified = append(notified, rec.UserID)

			body := fmt.Sprintf("Your %s alert for %s was rejected. Staked eggs are forfeited.", key.AlertType, strings.ToUpper(key.CoinID))
			if err := s.queueNotification(ctx, repo, rec.UserID, key.CoinID, storage.NotifyAlertRejected, "Alert rejected", body, now); err != nil {
				return err
			}
		}
		if err := repo.MarkRejected(ctx, ids); err != nil {
			return apperr.Upstream(err, "mark pool rejected")
		}
		return nil
	})
	if err != nil {
		s.metrics.ObservePoolResolution("reject", apperr.KindOf(err).String())
		return nil, err
	}

	s.metrics.ObservePoolResolution("reject", "ok")
	s.logger.Info().
		Str("coin_id", key.CoinID).
		Str("alert_type", string(key.AlertType)).
		Int("members", len(notified)).
		Int64("eggs_forfeited", total).
		Msg("pool rejected")

	s.notifyOps(ctx, alerting.OpsEvent{
		Kind:      alerting.OpsPoolRejected,
		CoinID:    key.CoinID,
		AlertType: string(key.AlertType),
		TotalEggs: total,
		PoolSize:  s.cfg.PoolSize,
		Members:   len(notified),
		At:        now,
	})
	return notified, nil
}

// Delete removes every record of a pool, archived or not.
func (s *Service) Delete(ctx context.Context, key pool.Key) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	n, err := s.backend.DeletePool(ctx, key.CoinID, key.AlertType)
	if err != nil {
		s.metrics.ObservePoolResolution("delete", "error")
		return 0, apperr.Upstream(err, "delete pool")
	}
	s.metrics.ObservePoolResolution("delete", "ok")
	s.logger.Info().
		Str("coin_id", key.CoinID).
		Str("alert_type", string(key.AlertType)).
		Int64("deleted", n).
		Msg("pool deleted")
	return n, nil
}

// CreateAdminAlert inserts an already-verified, zero-stake record. Migration declarations
// may carry the new contract address, stored checksummed.
func (s *Service) CreateAdminAlert(ctx context.Context, adminID string, req AdminAlertRequest) (storage.AlertRecord, error) {
	if err := validateKey(pool.Key{CoinID: req.CoinID, AlertType: req.AlertType}); err != nil {
		return storage.AlertRecord{}, err
	}
	if err := validateProofLink(req.ProofLink); err != nil {
		return storage.AlertRecord{}, err
	}
	contract, err := normalizeContract(req)
	if err != nil {
		return storage.AlertRecord{}, err
	}

	now := s.now().UTC()
	var created storage.AlertRecord
	err = s.backend.InTx(ctx, func(repo storage.Repository) error {
		key := pool.Key{CoinID: req.CoinID, AlertType: req.AlertType}
		if err := lockPool(ctx, repo, key); err != nil {
			return err
		}

		_, err := repo.FindActiveAdminRecord(ctx, req.CoinID, req.AlertType)
		switch {
		case err == nil:
			return apperr.Conflict("an admin %s alert for %s already exists", req.AlertType, req.CoinID)
		case !errors.Is(err, storage.ErrNotFound):
			return apperr.Upstream(err, "lookup admin alert")
		}

		members, err := repo.LockPoolMembers(ctx, req.CoinID, req.AlertType)
		if err != nil {
			return apperr.Upstream(err, "load pool")
		}
		for _, rec := range members {
			if rec.Status == storage.StatusPending {
				return apperr.Conflict("%s alert for %s has pending community stakes; verify or reject the pool first", req.AlertType, req.CoinID)
			}
		}

		verifiedAt := now
		created, err = repo.InsertAlertRecord(ctx, storage.AlertRecord{
			ID:            s.newID(),
			UserID:        adminID,
			CoinID:        req.CoinID,
			AlertType:     req.AlertType,
			ProofLink:     req.ProofLink,
			EggsStaked:    0,
			Status:        storage.StatusVerified,
			AdminAuthored: true,
			NewContract:   contract,
			VerifiedAt:    &verifiedAt,
			CreatedAt:     now,
		})
		if errors.Is(err, storage.ErrDuplicate) {
			return apperr.Conflict("an admin %s alert for %s already exists", req.AlertType, req.CoinID)
		}
		if err != nil {
			return apperr.Upstream(err, "insert admin alert")
		}
		return nil
	})
	if err != nil {
		s.metrics.ObservePoolResolution("admin_create", apperr.KindOf(err).String())
		return storage.AlertRecord{}, err
	}

	s.metrics.ObservePoolResolution("admin_create", "ok")
	s.notifyOps(ctx, alerting.OpsEvent{
		Kind:      alerting.OpsAdminAlert,
		CoinID:    req.CoinID,
		AlertType: string(req.AlertType),
		At:        now,
		Note:      contractNote(contract),
	})
	return created, nil
}

// ListAlerts returns records matching filter. When the filter names a single pool the
// result carries its totals.
func (s *Service) ListAlerts(ctx context.Context, filter storage.AlertFilter) (PoolView, error) {
	if filter.AlertType != "" && !filter.AlertType.Valid() {
		return PoolView{}, apperr.Validation("unknown alertType %q", filter.AlertType)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return PoolView{}, apperr.Validation("unknown status %q", filter.Status)
	}
	records, err := s.backend.ListAlertRecords(ctx, filter)
	if err != nil {
		return PoolView{}, apperr.Upstream(err, "list alerts")
	}
	view := PoolView{Records: records, TotalEggs: pool.TotalEggs(records)}
	view.PoolFilled = view.TotalEggs >= s.cfg.PoolSize
	return view, nil
}

// Pools returns the aggregated pools of a coin, or of every coin when coinID is empty.
func (s *Service) Pools(ctx context.Context, coinID string) ([]pool.Pool, error) {
	records, err := s.backend.ListAlertRecords(ctx, storage.AlertFilter{CoinID: coinID})
	if err != nil {
		return nil, apperr.Upstream(err, "list alerts")
	}
	pools := pool.Aggregate(records)
	pool.SortByEggs(pools)
	return pools, nil
}

// lockResolvable loads and locks the pool, failing when it is empty or already resolved.
func (s *Service) lockResolvable(ctx context.Context, repo storage.Repository, key pool.Key) ([]storage.AlertRecord, error) {
	if err := lockPool(ctx, repo, key); err != nil {
		return nil, err
	}
	members, err := repo.LockPoolMembers(ctx, key.CoinID, key.AlertType)
	if err != nil {
		return nil, apperr.Upstream(err, "load pool")
	}
	if len(members) == 0 {
		return nil, apperr.NotFound("no alerts for %s/%s", key.CoinID, key.AlertType)
	}
	for _, rec := range members {
		switch rec.Status {
		case storage.StatusVerified:
			return nil, apperr.Conflict("%s alert for %s is already verified", key.AlertType, key.CoinID)
		case storage.StatusRejected:
			return nil, apperr.Conflict("%s alert for %s is already rejected", key.AlertType, key.CoinID)
		}
	}
	return members, nil
}

// lockPool must be the first statement of every transaction that reads or changes a pool.
func lockPool(ctx context.Context, repo storage.Repository, key pool.Key) error {
	if err := repo.LockPool(ctx, key.CoinID, key.AlertType); err != nil {
		return apperr.Upstream(err, "lock pool")
	}
	return nil
}

func (s *Service) queueNotification(ctx context.Context, repo storage.Repository, userID, coinID, kind, title, body string, at time.Time) error {
	payload := s.cfg.Payload.Build(coinID, kind, title, body)
	_, err := repo.InsertNotification(ctx, storage.NotificationLogEntry{
		ID:             s.newID(),
		UserID:         userID,
		CoinID:         coinID,
		AlertType:      kind,
		Message:        body,
		Payload:        payload.JSON(),
		DeliveryStatus: storage.DeliveryQueued,
		SentAt:         at,
	})
	if err != nil {
		return apperr.Upstream(err, fmt.Sprintf("queue %s notification for %s", kind, userID))
	}
	return nil
}

func (s *Service) notifyOps(ctx context.Context, event alerting.OpsEvent) {
	if s.ops == nil {
		return
	}
	if err := s.ops.Notify(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("ops notification failed")
	}
}

func validateStake(req StakeRequest) error {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.CoinID) == "" ||
		req.AlertType == "" || strings.TrimSpace(req.ProofLink) == "" {
		return apperr.Validation("userId, coinId, alertType and proofLink are required")
	}
	if !req.AlertType.Valid() {
		return apperr.Validation("unknown alertType %q", req.AlertType)
	}
	return validateProofLink(req.ProofLink)
}

func validateKey(key pool.Key) error {
	if strings.TrimSpace(key.CoinID) == "" || key.AlertType == "" {
		return apperr.Validation("coinId and alertType are required")
	}
	if !key.AlertType.Valid() {
		return apperr.Validation("unknown alertType %q", key.AlertType)
	}
	return nil
}

func validateProofLink(link string) error {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Validation("proofLink must be an http(s) URL")
	}
	return nil
}

func normalizeContract(req AdminAlertRequest) (string, error) {
	addr := strings.TrimSpace(req.NewContract)
	if addr == "" {
		return "", nil
	}
	if req.AlertType != storage.AlertMigration {
		return "", apperr.Validation("newContract is only accepted on migration alerts")
	}
	if !common.IsHexAddress(addr) {
		return "", apperr.Validation("newContract %q is not a valid contract address", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

func contractNote(contract string) string {
	if contract == "" {
		return ""
	}
	return "New contract: " + contract
}
