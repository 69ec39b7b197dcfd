package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/logger"
	"crm_activity_backend/platform/sanitize"
)

// Snapshot is the denormalized view of a user stored inside an aggregate.
// Empty optional fields are omitted when serialized.
type Snapshot struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName,omitempty"`
	FirstName    string    `json:"firstName,omitempty"`
	LastName     string    `json:"lastName,omitempty"`
	Email        string    `json:"email,omitempty"`
	PhotoURL     string    `json:"photoURL,omitempty"`
	JobTitle     string    `json:"jobTitle,omitempty"`
	Department   string    `json:"department,omitempty"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Fields renders the snapshot as a stored map holding only present values.
func (s Snapshot) Fields() map[string]any {
	out := map[string]any{"id": s.ID}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("displayName", s.DisplayName)
	set("firstName", s.FirstName)
	set("lastName", s.LastName)
	set("email", s.Email)
	set("photoURL", s.PhotoURL)
	set("jobTitle", s.JobTitle)
	set("department", s.Department)
	if !s.LastActiveAt.IsZero() {
		out["lastActiveAt"] = docstore.FormatTime(s.LastActiveAt)
	}
	return out
}

// SnapshotResolver turns user ids into snapshots.
type SnapshotResolver struct {
	store      docstore.Reader
	collection string
	log        *logger.Logger
}

// NewSnapshotResolver reads users from collection.
func NewSnapshotResolver(store docstore.Reader, collection string, log *logger.Logger) *SnapshotResolver {
	return &SnapshotResolver{store: store, collection: collection, log: log}
}

// Resolve returns false when the user does not exist or cannot be read.
func (r *SnapshotResolver) Resolve(ctx context.Context, tenantID, userID string) (*Snapshot, bool) {
	doc, err := r.store.Get(ctx, tenantID, r.collection, userID)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			r.log.Warn("user lookup failed", "tenant_id", tenantID, "user_id", userID, "error", err)
		}
		return nil, false
	}
	snap := BuildSnapshot(userID, doc.Data)
	return &snap, true
}

// BuildSnapshot derives a snapshot from a user document.
func BuildSnapshot(userID string, data map[string]any) Snapshot {
	text := func(field string) string {
		v, _ := sanitize.Optional(data[field])
		return v
	}

	snap := Snapshot{
		ID:         userID,
		FirstName:  text("firstName"),
		LastName:   text("lastName"),
		Email:      strings.ToLower(text("email")),
		PhotoURL:   text("photoURL"),
		JobTitle:   text("jobTitle"),
		Department: text("department"),
	}
	snap.DisplayName = displayName(text("displayName"), snap.FirstName, snap.LastName, snap.Email)
	return snap
}

func displayName(explicit, first, last, email string) string {
	if explicit != "" {
		return explicit
	}
	if full := strings.TrimSpace(first + " " + last); full != "" {
		return full
	}
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	return ""
}
