package jsonstore

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/firefrp/firefrp/internal/domain"
)

// Store bundles the two durable collections named in spec §6.7: the
// credential ("keys") collection and the append-only audit log.
type Store struct {
	Keys  *Collection[*domain.Credential]
	Audit *Collection[*domain.AuditEntry]
}

// Open loads (or initializes) the store rooted at dataDir, using the exact
// file names spec §6.7 mandates.
func Open(dataDir string, log *slog.Logger) (*Store, error) {
	keys, err := openCollection[*domain.Credential](filepath.Join(dataDir, "access_keys.json"), log)
	if err != nil {
		return nil, err
	}
	audit, err := openCollection[*domain.AuditEntry](filepath.Join(dataDir, "audit_log.json"), log)
	if err != nil {
		return nil, err
	}
	return &Store{Keys: keys, Audit: audit}, nil
}

// AppendAudit inserts an append-only audit row (spec I7: entry ids are
// monotonic and the log is never mutated after insert).
func (s *Store) AppendAudit(eventType string, keyID *int64, details string) error {
	_, err := s.Audit.Insert(&domain.AuditEntry{
		EventType: eventType,
		KeyID:     keyID,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

// FindByKey looks up a credential by its opaque key string.
func (s *Store) FindByKey(key string) (*domain.Credential, bool) {
	return s.Keys.FindBy(func(c *domain.Credential) bool { return c.Key == key })
}

// FindByTunnelID looks up a credential by its human-facing tunnel id.
func (s *Store) FindByTunnelID(tunnelID string) (*domain.Credential, bool) {
	return s.Keys.FindBy(func(c *domain.Credential) bool { return c.TunnelID == tunnelID })
}

// ActiveByUser returns the caller's non-terminal (pending or active) credentials.
func (s *Store) ActiveByUser(userID string) []*domain.Credential {
	return s.Keys.Filter(func(c *domain.Credential) bool {
		return c.UserID == userID && c.HoldsPort()
	})
}

// ActiveByGroup returns a group's non-terminal credentials.
func (s *Store) ActiveByGroup(groupID string) []*domain.Credential {
	return s.Keys.Filter(func(c *domain.Credential) bool {
		return c.GroupID == groupID && c.HoldsPort()
	})
}

// AllActive returns every non-terminal (pending ∪ active) credential.
func (s *Store) AllActive() []*domain.Credential {
	return s.Keys.Filter(func(c *domain.Credential) bool { return c.HoldsPort() })
}

// AllocatedPorts returns the set of ports currently held by pending/active
// credentials, for PortAllocator's exclusivity check (invariant I2).
func (s *Store) AllocatedPorts() map[int]struct{} {
	held := s.AllActive()
	out := make(map[int]struct{}, len(held))
	for _, c := range held {
		out[c.RemotePort] = struct{}{}
	}
	return out
}
