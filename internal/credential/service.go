// Package credential implements the credential lifecycle state machine
// (spec §4.4): create, validate, activate, expire, revoke, disconnect, plus
// the read queries the plugin handler and bot dispatcher need.
//
// Service is the sole mutator of Credential rows (spec §3, "Lifecycle
// ownership"). Every exported method here is expected to run while the
// caller holds the process-wide state lock (spec §5) — Service itself does
// no locking.
package credential

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/firefrp/firefrp/internal/auth"
	"github.com/firefrp/firefrp/internal/domain"
	"github.com/firefrp/firefrp/internal/jsonstore"
	"github.com/firefrp/firefrp/internal/portalloc"
)

// Service implements the credential lifecycle state machine.
type Service struct {
	store     *jsonstore.Store
	ports     *portalloc.Allocator
	keyPrefix string
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Service. keyPrefix is prepended to generated access keys
// (spec §3, e.g. "ff-").
func New(store *jsonstore.Store, ports *portalloc.Allocator, keyPrefix string, log *slog.Logger) *Service {
	return &Service{store: store, ports: ports, keyPrefix: keyPrefix, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Create allocates a port and inserts a new pending credential (spec §4.4).
func (s *Service) Create(userID, userName, groupID string, gameType domain.GameType, ttl time.Duration) (*domain.Credential, error) {
	port, err := s.ports.Allocate(s.store.AllocatedPorts())
	if err != nil {
		return nil, err
	}

	key, err := auth.GenerateKey(s.keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("credential: generate key: %w", err)
	}
	tunnelID, err := auth.GenerateTunnelID()
	if err != nil {
		return nil, fmt.Errorf("credential: generate tunnel id: %w", err)
	}

	now := s.now()
	rec := &domain.Credential{
		TunnelID:   tunnelID,
		Key:        key,
		UserID:     userID,
		UserName:   userName,
		GroupID:    groupID,
		GameType:   gameType,
		Status:     domain.StatusPending,
		RemotePort: port,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		UpdatedAt:  now,
	}
	inserted, err := s.store.Keys.Insert(rec)
	if err != nil {
		return nil, fmt.Errorf("credential: insert: %w", err)
	}

	proxyName := fmt.Sprintf("ff-%d-%s", inserted.ID, gameType.Abbrev())
	updated, ok, err := s.store.Keys.Update(inserted.ID, func(c *domain.Credential) {
		c.ProxyName = proxyName
	})
	if err != nil {
		return nil, fmt.Errorf("credential: set proxy name: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("credential: record %d vanished after insert", inserted.ID)
	}

	if err := s.store.AppendAudit(domain.EventKeyCreated, &updated.ID, fmt.Sprintf("user=%s tunnel=%s port=%d", userID, tunnelID, port)); err != nil {
		s.log.Warn("credential: audit write failed", "event", domain.EventKeyCreated, "err", err)
	}
	return updated, nil
}

// Validate performs a pure lookup + status classification (spec §4.4). A
// pending credential past its deadline is lazily transitioned to expired
// as a side effect and reported as ErrKeyExpired; no other status mutates.
func (s *Service) Validate(key string) (*domain.Credential, error) {
	rec, ok := s.store.FindByKey(key)
	if !ok {
		return nil, domain.ErrKeyNotFound
	}

	if rec.Status == domain.StatusPending && !rec.ExpiresAt.After(s.now()) {
		expired, ok, err := s.expireRecord(rec.ID)
		if err != nil {
			s.log.Warn("credential: lazy expire failed", "tunnel", rec.TunnelID, "err", err)
		}
		if ok {
			rec = expired
		}
		return nil, domain.ErrKeyExpired
	}

	switch rec.Status {
	case domain.StatusPending:
		return rec, nil
	case domain.StatusActive:
		return nil, domain.ErrKeyAlreadyUsed
	case domain.StatusExpired:
		return nil, domain.ErrKeyExpired
	case domain.StatusRevoked:
		return nil, domain.ErrKeyRevoked
	case domain.StatusDisconnected:
		return nil, domain.ErrKeyDisconnected
	default:
		return nil, fmt.Errorf("credential: unknown status %q", rec.Status)
	}
}

// Activate transitions a pending credential to active (spec §4.4). It
// re-reads by id to narrow the activation race before mutating.
func (s *Service) Activate(key, clientID string) (*domain.Credential, bool) {
	rec, ok := s.store.FindByKey(key)
	if !ok || rec.Status != domain.StatusPending {
		return nil, false
	}

	narrowed, ok := s.store.Keys.FindByID(rec.ID)
	if !ok || narrowed.Status != domain.StatusPending {
		return nil, false
	}

	now := s.now()
	updated, ok, err := s.store.Keys.Update(rec.ID, func(c *domain.Credential) {
		c.Status = domain.StatusActive
		c.ClientID = clientID
		c.ActivatedAt = &now
		c.UpdatedAt = now
	})
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("credential: activate failed", "tunnel", rec.TunnelID, "err", err)
		}
		return nil, false
	}

	if err := s.store.AppendAudit(domain.EventKeyActivated, &updated.ID, fmt.Sprintf("client=%s", clientID)); err != nil {
		s.log.Warn("credential: audit write failed", "event", domain.EventKeyActivated, "err", err)
	}
	return updated, true
}

// Expire transitions a non-terminal credential to expired.
func (s *Service) Expire(id int64) (*domain.Credential, bool, error) {
	return s.transition(id, domain.StatusExpired, domain.EventKeyExpired, "")
}

// Revoke transitions a non-terminal credential to revoked.
func (s *Service) Revoke(id int64) (*domain.Credential, bool, error) {
	return s.transition(id, domain.StatusRevoked, domain.EventKeyRevoked, "")
}

// Disconnect transitions the active credential identified by key to
// disconnected (spec §4.4, driven by frps CloseProxy). The audit trail
// records this as a proxy closure, not a key-lifecycle event: CloseProxy is
// frps reporting that the tunnel's proxy went away, distinct from a key
// itself being expired or revoked.
func (s *Service) Disconnect(key string) (*domain.Credential, bool, error) {
	rec, ok := s.store.FindByKey(key)
	if !ok {
		return nil, false, domain.ErrKeyNotFound
	}
	return s.transition(rec.ID, domain.StatusDisconnected, domain.EventProxyClosed, "")
}

func (s *Service) expireRecord(id int64) (*domain.Credential, bool, error) {
	return s.transition(id, domain.StatusExpired, domain.EventKeyExpired, "")
}

func (s *Service) transition(id int64, target, eventType, details string) (*domain.Credential, bool, error) {
	rec, ok := s.store.Keys.FindByID(id)
	if !ok {
		return nil, false, nil
	}
	if rec.Terminal() {
		return nil, false, nil
	}

	now := s.now()
	updated, ok, err := s.store.Keys.Update(id, func(c *domain.Credential) {
		c.Status = target
		c.UpdatedAt = now
	})
	if err != nil {
		return nil, false, fmt.Errorf("credential: transition to %s: %w", target, err)
	}
	if !ok {
		return nil, false, nil
	}
	if err := s.store.AppendAudit(eventType, &updated.ID, details); err != nil {
		s.log.Warn("credential: audit write failed", "event", eventType, "err", err)
	}
	return updated, true, nil
}

// Audit appends an audit-log row for an event that is not itself a
// credential status transition (spec §3's `proxy_opened`/`client_rejected`
// vocabulary, written by the plugin handler around NewProxy/reject
// decisions rather than by Service.transition).
func (s *Service) Audit(eventType string, keyID *int64, details string) {
	if err := s.store.AppendAudit(eventType, keyID, details); err != nil {
		s.log.Warn("credential: audit write failed", "event", eventType, "err", err)
	}
}

// GetByKey returns the raw record for key, without status classification.
func (s *Service) GetByKey(key string) (*domain.Credential, bool) { return s.store.FindByKey(key) }

// GetByTunnelID returns the raw record for a tunnel id.
func (s *Service) GetByTunnelID(tunnelID string) (*domain.Credential, bool) {
	return s.store.FindByTunnelID(tunnelID)
}

// GetActiveByUser returns the caller's non-terminal credentials.
func (s *Service) GetActiveByUser(userID string) []*domain.Credential { return s.store.ActiveByUser(userID) }

// GetActiveByGroup returns a group's non-terminal credentials.
func (s *Service) GetActiveByGroup(groupID string) []*domain.Credential {
	return s.store.ActiveByGroup(groupID)
}

// GetAllActive returns every non-terminal (pending ∪ active) credential.
func (s *Service) GetAllActive() []*domain.Credential { return s.store.AllActive() }

// CollectExpired returns every non-terminal credential whose deadline has
// passed as of now, for the expiry scheduler's periodic sweep (spec §4.6).
func (s *Service) CollectExpired(now time.Time) []*domain.Credential {
	all := s.store.AllActive()
	out := make([]*domain.Credential, 0, len(all))
	for _, c := range all {
		if !c.ExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	return out
}
