// Package notify runs one actor per user holding that user's notifications.
// The list is bounded, persisted after every change and pushed to every
// device the user has connected.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/coedit/internal/actor"
	"github.com/kilupskalvis/coedit/internal/models"
	"github.com/kilupskalvis/coedit/internal/protocol"
	"github.com/kilupskalvis/coedit/internal/store"
)

// Config holds the notification limits
type Config struct {
	Limit         int           // notifications kept per user
	ReadRetention time.Duration // read notifications older than this are pruned
	PruneInterval time.Duration
	IdleTimeout   time.Duration // a user with no devices is unloaded after this
	Shards        int
	InboxSize     int
}

// DefaultConfig returns the default notification limits
func DefaultConfig() Config {
	return Config{
		Limit:         1000,
		ReadRetention: 7 * 24 * time.Hour,
		PruneInterval: time.Hour,
		IdleTimeout:   10 * time.Minute,
	}
}

// Message is the content of a notification to send
type Message struct {
	Type     string
	Title    string
	Message  string
	Data     map[string]interface{}
	Priority models.NotificationPriority
	TTL      time.Duration // zero never expires
}

func (m Message) validate() error {
	if m.Title == "" && m.Message == "" {
		return fmt.Errorf("%w: notification needs a title or message", models.ErrMalformedOperation)
	}
	switch m.Priority {
	case "", models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent:
	default:
		return fmt.Errorf("%w: unknown priority %q", models.ErrMalformedOperation, m.Priority)
	}
	if m.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", models.ErrMalformedOperation)
	}
	return nil
}

// ListOptions filters List
type ListOptions struct {
	UnreadOnly bool
	Limit      int // <= 0 returns everything
}

// Inbox is the state owned by one user's actor. Entries are newest first.
type Inbox struct {
	userID     string
	entries    []models.NotificationEntry
	devices    map[string]protocol.Sender
	dirty      bool
	lastActive time.Time
}

// Manager routes notification traffic to the per-user actors
type Manager struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger
	sup    *actor.Supervisor[*Inbox]
	now    func() time.Time
}

// NewManager creates the notification manager
func NewManager(cfg Config, st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{cfg: cfg, store: st, logger: logger, now: time.Now}
	m.sup = actor.New(actor.Hooks[*Inbox]{
		Start: m.start,
		Tick:  m.tick,
		Stop:  m.stop,
	}, actor.Options{
		Shards:       cfg.Shards,
		InboxSize:    cfg.InboxSize,
		TickInterval: cfg.PruneInterval,
		Logger:       logger,
		Name:         "notify",
	})
	return m
}

// Active returns the number of users with a loaded notification actor
func (m *Manager) Active() int {
	return m.sup.Len()
}

// Shutdown persists and stops every notification actor
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.sup.Shutdown(ctx)
}

func (m *Manager) start(ctx context.Context, userID string) (*Inbox, error) {
	entries, err := m.store.LoadNotifications(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load notifications for %s: %w", userID, err)
	}
	return &Inbox{
		userID:     userID,
		entries:    entries,
		devices:    make(map[string]protocol.Sender),
		lastActive: m.now(),
	}, nil
}

func (m *Manager) tick(ctx context.Context, userID string, in *Inbox) bool {
	if n := m.prune(in); n > 0 {
		m.logger.Debug("notifications pruned", "user", userID, "removed", n)
	}
	if in.dirty {
		m.save(ctx, in)
	}
	return len(in.devices) == 0 && m.now().Sub(in.lastActive) >= m.cfg.IdleTimeout
}

func (m *Manager) stop(ctx context.Context, userID string, in *Inbox) {
	for id, d := range in.devices {
		d.Close("notifications closed")
		delete(in.devices, id)
	}
	if in.dirty {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		m.save(saveCtx, in)
		cancel()
	}
}

// save writes the list through to storage. A failure leaves the inbox dirty
// so the next tick retries.
func (m *Manager) save(ctx context.Context, in *Inbox) {
	if err := m.store.SaveNotifications(ctx, in.userID, in.entries); err != nil {
		in.dirty = true
		m.logger.Error("failed to persist notifications", "user", in.userID, "error", err)
		return
	}
	in.dirty = false
}

// prune drops expired notifications and read ones past the retention period
func (m *Manager) prune(in *Inbox) int {
	now := m.now()
	cutoff := now.Add(-m.cfg.ReadRetention)
	kept := make([]models.NotificationEntry, 0, len(in.entries))
	for _, e := range in.entries {
		n := e.Notification
		if n.Expired(now) {
			continue
		}
		if n.Read && n.ReadAt != nil && n.ReadAt.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(in.entries) - len(kept)
	if removed > 0 {
		in.entries = kept
		in.dirty = true
	}
	return removed
}

func (m *Manager) touch(in *Inbox) {
	in.lastActive = m.now()
}

// Connect registers a device for userID and sends it every unread
// notification, oldest first. It returns the device id.
func (m *Manager) Connect(ctx context.Context, userID string, sender protocol.Sender) (string, error) {
	return actor.Ask(ctx, m.sup, userID, func(ctx context.Context, in *Inbox) (string, error) {
		m.touch(in)
		id := uuid.New().String()
		in.devices[id] = sender

		now := m.now().UTC()
		var delivered int
		for i := len(in.entries) - 1; i >= 0; i-- {
			n := in.entries[i].Notification
			if n.Read || n.Expired(now) {
				continue
			}
			if err := sender.Send(protocol.MustNew(protocol.TypeNotification, "", n)); err != nil {
				m.logger.Debug("notification send failed", "user", userID, "device", id, "error", err)
				break
			}
			if !n.Delivered {
				n.Delivered = true
				n.DeliveredAt = &now
				delivered++
			}
		}
		if delivered > 0 {
			m.save(ctx, in)
		}
		m.logger.Debug("notification device connected", "user", userID, "device", id, "devices", len(in.devices))
		return id, nil
	})
}

// Disconnect removes a device
func (m *Manager) Disconnect(ctx context.Context, userID, deviceID string) error {
	return m.sup.Tell(ctx, userID, func(ctx context.Context, in *Inbox) {
		delete(in.devices, deviceID)
		m.touch(in)
	})
}

// Send stores a notification for userID and pushes it to their devices
func (m *Manager) Send(ctx context.Context, userID string, msg Message) (models.Notification, error) {
	if userID == "" {
		return models.Notification{}, fmt.Errorf("%w: notification recipient is required", models.ErrUserNotFound)
	}
	if err := msg.validate(); err != nil {
		return models.Notification{}, err
	}
	return actor.Ask(ctx, m.sup, userID, func(ctx context.Context, in *Inbox) (models.Notification, error) {
		m.touch(in)
		now := m.now().UTC()
		n := &models.Notification{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      msg.Type,
			Title:     msg.Title,
			Message:   msg.Message,
			Data:      msg.Data,
			Priority:  msg.Priority,
			CreatedAt: now,
		}
		if n.Type == "" {
			n.Type = "info"
		}
		if n.Priority == "" {
			n.Priority = models.PriorityNormal
		}
		if msg.TTL > 0 {
			exp := now.Add(msg.TTL)
			n.ExpiresAt = &exp
		}

		if m.push(in, protocol.MustNew(protocol.TypeNotification, "", n)) > 0 {
			n.Delivered = true
			n.DeliveredAt = &now
		}

		in.entries = append([]models.NotificationEntry{{ID: n.ID, Notification: n}}, in.entries...)
		if len(in.entries) > m.cfg.Limit {
			in.entries = in.entries[:m.cfg.Limit]
		}
		m.save(ctx, in)
		return *n, nil
	})
}

// Broadcast sends msg to every user in userIDs concurrently. Users are
// independent: one failure does not stop the others, and the first error is
// returned alongside the notifications that were created.
func (m *Manager) Broadcast(ctx context.Context, userIDs []string, msg Message) ([]models.Notification, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	results := make([]*models.Notification, len(userIDs))
	var g errgroup.Group
	g.SetLimit(16)
	for i, userID := range userIDs {
		g.Go(func() error {
			n, err := m.Send(ctx, userID, msg)
			if err != nil {
				return fmt.Errorf("notify %s: %w", userID, err)
			}
			results[i] = &n
			return nil
		})
	}
	err := g.Wait()

	out := make([]models.Notification, 0, len(results))
	for _, n := range results {
		if n != nil {
			out = append(out, *n)
		}
	}
	return out, err
}

// List returns userID's notifications, newest first
func (m *Manager) List(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	return actor.Ask(ctx, m.sup, userID, func(ctx context.Context, in *Inbox) ([]models.Notification, error) {
		m.touch(in)
		now := m.now()
		out := make([]models.Notification, 0, len(in.entries))
		for _, e := range in.entries {
			n := e.Notification
			if n.Expired(now) || (opts.UnreadOnly && n.Read) {
				continue
			}
			out = append(out, *n)
			if opts.Limit > 0 && len(out) == opts.Limit {
				break
			}
		}
		return out, nil
	})
}

// MarkRead marks the given notifications read, or every unread one when ids
// is empty, and returns how many changed. Other devices are told which ids
// were read.
func (m *Manager) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	return actor.Ask(ctx, m.sup, userID, func(ctx context.Context, in *Inbox) (int, error) {
		m.touch(in)
		now := m.now().UTC()
		var changed []string
		for _, e := range in.matching(ids) {
			n := e.Notification
			if n.Read {
				continue
			}
			n.Read = true
			n.ReadAt = &now
			changed = append(changed, n.ID)
		}
		if len(changed) == 0 {
			return 0, nil
		}
		sort.Strings(changed)
		m.save(ctx, in)
		m.push(in, protocol.MustNew(protocol.TypeNotificationsRead, "", protocol.NotificationsRead{IDs: changed}))
		return len(changed), nil
	})
}

// MarkDelivered flags the given notifications, or every undelivered one when
// ids is empty, as delivered and returns how many changed.
func (m *Manager) MarkDelivered(ctx context.Context, userID string, ids []string) (int, error) {
	return actor.Ask(ctx, m.sup, userID, func(ctx context.Context, in *Inbox) (int, error) {
		m.touch(in)
		now := m.now().UTC()
		changed := 0
		for _, e := range in.matching(ids) {
			n := e.Notification
			if n.Delivered {
				continue
			}
			n.Delivered = true
			n.DeliveredAt = &now
			changed++
		}
		if changed > 0 {
			m.save(ctx, in)
		}
		return changed, nil
	})
}

// Clear removes every notification of userID and returns how many there were
func (m *Manager) Clear(ctx context.Context, userID string) (int, error) {
	return actor.Ask(ctx, m.sup, userID, func(ctx context.Context, in *Inbox) (int, error) {
		m.touch(in)
		n := len(in.entries)
		if n == 0 {
			return 0, nil
		}
		in.entries = nil
		m.save(ctx, in)
		m.push(in, protocol.MustNew(protocol.TypeNotificationsCleared, "", protocol.NotificationsCleared{Count: n}))
		return n, nil
	})
}

// push sends env to every device and returns how many accepted it
func (m *Manager) push(in *Inbox, env protocol.Envelope) int {
	n := 0
	for id, d := range in.devices {
		if err := d.Send(env); err != nil {
			m.logger.Debug("notification push failed", "user", in.userID, "device", id, "type", env.Type, "error", err)
			continue
		}
		n++
	}
	return n
}

// matching returns the entries named by ids, or all of them when ids is empty
func (in *Inbox) matching(ids []string) []models.NotificationEntry {
	if len(ids) == 0 {
		return in.entries
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.NotificationEntry
	for _, e := range in.entries {
		if want[e.ID] {
			out = append(out, e)
		}
	}
	return out
}
