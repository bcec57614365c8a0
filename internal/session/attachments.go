package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/store"
)

const keyAttachmentPrefix = "attachment:"

// AttachmentTTL bounds how long an uploaded attachment stays resolvable.
const AttachmentTTL = 24 * time.Hour

// Attachment is a short-lived uploaded blob referenced by id from chat
// messages; the inference loop expands references into content before
// calling the model.
type Attachment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SaveAttachment stores an attachment with the standard TTL and returns
// its id.
func (m *Machine) SaveAttachment(ctx context.Context, att *Attachment) (string, error) {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = m.now()
	}
	data, err := json.Marshal(att)
	if err != nil {
		return "", fmt.Errorf("session: encode attachment: %w", err)
	}
	if err := m.kv.Set(ctx, keyAttachmentPrefix+att.ID, data, AttachmentTTL); err != nil {
		return "", err
	}
	return att.ID, nil
}

// GetAttachment resolves an attachment id; expired or unknown ids return
// NotFound.
func (m *Machine) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	data, err := m.kv.Get(ctx, keyAttachmentPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, kerrors.ErrNotFound
		}
		return nil, err
	}
	var att Attachment
	if err := json.Unmarshal(data, &att); err != nil {
		return nil, fmt.Errorf("session: decode attachment %s: %w", id, err)
	}
	return &att, nil
}
