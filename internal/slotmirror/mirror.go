package slotmirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/slotsync/internal/slotsync"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const defaultMirrorWindow = 14 * 24 * time.Hour

type MirrorOptions struct {
	AccountID string
	// StateFile is the JSON snapshot the mirror keeps current.
	StateFile string
	Window    time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Snapshot is the on-disk shape: the account's blocking slots in start order.
type Snapshot struct {
	Account  string                 `json:"account"`
	SyncedAt time.Time              `json:"syncedAt"`
	From     time.Time              `json:"from"`
	To       time.Time              `json:"to"`
	Slots    []slotsync.MeetingSlot `json:"slots"`
}

// Mirror keeps a local file of an account's blocking slots, refreshed by a
// full listing and then kept current from the change stream.
type Mirror struct {
	client    RemoteClient
	account   string
	stateFile string
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	slots    map[string]slotsync.MeetingSlot
	from, to time.Time
	lastHash string
}

func NewMirror(client RemoteClient, opts MirrorOptions) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	account := strings.TrimSpace(opts.AccountID)
	if account == "" {
		return nil, fmt.Errorf("account id is required")
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		return nil, fmt.Errorf("state file is required")
	}
	if err := os.MkdirAll(filepath.Dir(stateFile), 0o755); err != nil {
		return nil, err
	}
	window := opts.Window
	if window <= 0 {
		window = defaultMirrorWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Mirror{
		client:    client,
		account:   account,
		stateFile: stateFile,
		window:    window,
		logger:    logger,
		now:       now,
		slots:     map[string]slotsync.MeetingSlot{},
	}, nil
}

// SyncOnce replaces the mirror with a fresh listing. It reports whether the
// snapshot on disk changed.
func (m *Mirror) SyncOnce(ctx context.Context) (bool, error) {
	now := m.now()
	page, err := m.client.ListSlots(ctx, m.account, now, now.Add(m.window), true)
	if err != nil {
		return false, err
	}
	m.from, m.to = now, now.Add(m.window)
	m.slots = make(map[string]slotsync.MeetingSlot, len(page.Slots))
	for _, slot := range page.Slots {
		m.slots[slot.ID] = slot
	}
	return m.save()
}

// Apply folds one change from the stream into the mirror. Slots that stop
// blocking or fall outside the window are dropped.
func (m *Mirror) Apply(change slotsync.SlotChange) (bool, error) {
	slot := change.Slot
	if slot.AccountID != m.account {
		return false, nil
	}
	inWindow := slot.End.After(m.from) && slot.Start.Before(m.to)
	if slot.Blocking(m.now()) && inWindow {
		if current, ok := m.slots[slot.ID]; ok && current.Version > slot.Version {
			return false, nil
		}
		m.slots[slot.ID] = slot
	} else {
		delete(m.slots, slot.ID)
	}
	return m.save()
}

// Follow lists once and then applies streamed changes until the stream or
// ctx ends. The caller resyncs and calls Follow again after an error.
func (m *Mirror) Follow(ctx context.Context) error {
	conn, err := m.client.OpenStream(ctx, m.account)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "mirror stopping")

	// Listing after the stream is open means no change falls in between.
	if _, err := m.SyncOnce(ctx); err != nil {
		return err
	}
	for {
		var change slotsync.SlotChange
		if err := wsjson.Read(ctx, conn, &change); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		changed, err := m.Apply(change)
		if err != nil {
			return err
		}
		if changed {
			m.logger.Debug("mirror updated", "account", m.account, "slot", change.Slot.ID, "type", change.Type)
		}
	}
}

func (m *Mirror) Snapshot() Snapshot {
	slots := make([]slotsync.MeetingSlot, 0, len(m.slots))
	for _, slot := range m.slots {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].Start.Equal(slots[j].Start) {
			return slots[i].Start.Before(slots[j].Start)
		}
		return slots[i].ID < slots[j].ID
	})
	return Snapshot{Account: m.account, From: m.from, To: m.to, Slots: slots}
}

func (m *Mirror) save() (bool, error) {
	snap := m.Snapshot()
	body, err := json.Marshal(snap.Slots)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	if hash == m.lastHash {
		return false, nil
	}
	snap.SyncedAt = m.now()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return false, err
	}
	if err := writeFileAtomic(m.stateFile, data, 0o644); err != nil {
		return false, err
	}
	m.lastHash = hash
	return true, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
