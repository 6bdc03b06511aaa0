package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wolfeidau/credential-cache/storage"
	"github.com/wolfeidau/credential-cache/telemetry"
)

// ErrInteractionInProgress is returned when the interaction flag is already held.
var ErrInteractionInProgress = errors.New("cache: interaction in progress")

// BeginInteraction claims the interaction flag for this client. It fails with
// ErrInteractionInProgress if the flag is held, including by this client.
func (m *Manager) BeginInteraction(ctx context.Context, typ InteractionType) error {
	ctx = m.tag(ctx)
	if _, err := m.secure(); err != nil {
		return err
	}
	status := &InteractionStatus{ClientID: m.cfg.ClientID, Type: typ}
	if err := check(status); err != nil {
		return err
	}

	holder, _, err := m.interactionStatus(ctx)
	if err != nil {
		return err
	}
	if holder != nil {
		telemetry.RecordInteraction(ctx, "rejected")
		return fmt.Errorf("%w: held by %s (%s)", ErrInteractionInProgress, holder.ClientID, holder.Type)
	}

	b, err := json.Marshal(status)
	if err != nil {
		return err
	}
	swapped, err := storage.CompareAndSwap(ctx, m.tiers.Session, m.keys.InteractionStatus(), "", string(b))
	if err != nil {
		return err
	}
	if !swapped {
		telemetry.RecordInteraction(ctx, "rejected")
		return ErrInteractionInProgress
	}
	telemetry.RecordInteraction(ctx, "acquired")
	m.logger.DebugContext(ctx, "interaction started", "type", typ)
	return nil
}

// EndInteraction releases the interaction flag if this client holds it.
// Otherwise it does nothing.
func (m *Manager) EndInteraction(ctx context.Context) error {
	ctx = m.tag(ctx)
	if _, err := m.secure(); err != nil {
		return err
	}
	holder, raw, err := m.interactionStatus(ctx)
	if err != nil {
		return err
	}
	if holder == nil || holder.ClientID != m.cfg.ClientID {
		telemetry.RecordInteraction(ctx, "ignored")
		return nil
	}
	if _, err := storage.CompareAndSwap(ctx, m.tiers.Session, m.keys.InteractionStatus(), raw, ""); err != nil {
		return err
	}
	telemetry.RecordInteraction(ctx, "released")
	m.logger.DebugContext(ctx, "interaction ended", "type", holder.Type)
	return nil
}

// InteractionInProgress reports whether any client holds the interaction flag.
func (m *Manager) InteractionInProgress(ctx context.Context) (bool, error) {
	if _, err := m.secure(); err != nil {
		return false, err
	}
	holder, _, err := m.interactionStatus(ctx)
	return holder != nil, err
}

// InteractionHolder returns the current holder of the interaction flag, or nil.
func (m *Manager) InteractionHolder(ctx context.Context) (*InteractionStatus, error) {
	if _, err := m.secure(); err != nil {
		return nil, err
	}
	holder, _, err := m.interactionStatus(ctx)
	return holder, err
}

// interactionStatus reads the flag. A malformed flag is removed and reads as free.
func (m *Manager) interactionStatus(ctx context.Context) (*InteractionStatus, string, error) {
	key := m.keys.InteractionStatus()
	raw, err := m.tiers.Session.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	status, err := parse[InteractionStatus](raw)
	if err != nil {
		m.logger.WarnContext(ctx, "removing malformed interaction flag", "error", err)
		if _, err := storage.CompareAndSwap(ctx, m.tiers.Session, key, raw, ""); err != nil {
			return nil, "", err
		}
		return nil, "", nil
	}
	return status, raw, nil
}
