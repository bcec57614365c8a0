package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/symbolkernel/kernel/internal/store"
)

// nextSeq atomically increments the append counter at key via
// compare-and-swap, so queue and history scores follow append order
// even when two appends share a wall-clock instant.
func (m *Machine) nextSeq(ctx context.Context, key string) (int64, error) {
	for {
		var current int64
		var old []byte
		raw, err := m.kv.Get(ctx, key)
		switch {
		case err == nil:
			parsed, parseErr := strconv.ParseInt(string(raw), 10, 64)
			if parseErr != nil {
				return 0, fmt.Errorf("session: corrupt sequence at %s: %w", key, parseErr)
			}
			current = parsed
			old = raw
		case errors.Is(err, store.ErrNotFound):
		default:
			return 0, err
		}
		next := current + 1
		ok, err := m.kv.CompareAndSwap(ctx, key, old, []byte(strconv.FormatInt(next, 10)))
		if err != nil {
			return 0, err
		}
		if ok {
			return next, nil
		}
	}
}

// EnqueueMessage appends a message to the session's FIFO queue. Pushes
// are append-only; ordering is by arrival.
func (m *Machine) EnqueueMessage(ctx context.Context, id, message, sourceID string) error {
	if allowed, err := m.WriteAllowed(ctx, id); err != nil {
		return err
	} else if !allowed {
		return fmt.Errorf("session: %s is closed", id)
	}
	qm := QueuedMessage{ID: uuid.New().String(), Message: message, SourceID: sourceID, EnqueuedAt: m.now()}
	data, err := json.Marshal(&qm)
	if err != nil {
		return err
	}
	seq, err := m.nextSeq(ctx, queueSeqKey(id))
	if err != nil {
		return err
	}
	return store.ZAppend(ctx, m.kv, queueKey(id), string(data), seq)
}

// PopNextMessage removes and returns the oldest queued message, or nil
// when the queue is empty.
func (m *Machine) PopNextMessage(ctx context.Context, id string) (*QueuedMessage, error) {
	members, err := m.kv.ZRange(ctx, queueKey(id), 0, 1)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	var qm QueuedMessage
	if err := json.Unmarshal([]byte(members[0]), &qm); err != nil {
		return nil, fmt.Errorf("session: decode queued message: %w", err)
	}
	if err := m.kv.ZRem(ctx, queueKey(id), members[0]); err != nil {
		return nil, err
	}
	return &qm, nil
}

// HasQueuedMessages reports whether any message is waiting.
func (m *Machine) HasQueuedMessages(ctx context.Context, id string) (bool, error) {
	members, err := m.kv.ZRange(ctx, queueKey(id), 0, 1)
	if err != nil {
		return false, err
	}
	return len(members) > 0, nil
}

// RecordMessage appends a turn to session history. Every user turn
// carries a unique correlation id; model and tool turns carry their
// parent user turn's correlation id.
func (m *Machine) RecordMessage(ctx context.Context, id string, turn *Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	seq, err := m.nextSeq(ctx, historySeqKey(id))
	if err != nil {
		return err
	}
	return store.ZAppend(ctx, m.kv, historyKey(id), string(data), seq)
}

// GetHistory returns all turns in append order, skipping turns before
// since (zero = everything).
func (m *Machine) GetHistory(ctx context.Context, id string, since time.Time) ([]*Turn, error) {
	members, err := m.kv.ZRange(ctx, historyKey(id), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]*Turn, 0, len(members))
	for _, member := range members {
		var turn Turn
		if err := json.Unmarshal([]byte(member), &turn); err != nil {
			return nil, fmt.Errorf("session: decode turn: %w", err)
		}
		if !since.IsZero() && turn.Timestamp.Before(since) {
			continue
		}
		out = append(out, &turn)
	}
	return out, nil
}

// GetHistoryGrouped returns history grouped by correlation id, groups in
// the order their first turn was recorded.
func (m *Machine) GetHistoryGrouped(ctx context.Context, id string, since time.Time) ([]*TurnGroup, error) {
	turns, err := m.GetHistory(ctx, id, since)
	if err != nil {
		return nil, err
	}
	var groups []*TurnGroup
	index := map[string]*TurnGroup{}
	for _, turn := range turns {
		g, ok := index[turn.CorrelationID]
		if !ok {
			g = &TurnGroup{CorrelationID: turn.CorrelationID}
			index[turn.CorrelationID] = g
			groups = append(groups, g)
		}
		g.Turns = append(g.Turns, turn)
	}
	return groups, nil
}
