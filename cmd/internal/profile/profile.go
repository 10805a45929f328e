// Package profile resolves display information for marketplace parties from
// the external user and seller services.
package profile

import (
	"context"
	"errors"
	"sync"

	"marketchat/cmd/internal/chat"
)

// ErrNotFound is returned when the party does not exist upstream.
var ErrNotFound = errors.New("profile: not found")

// Profile is the display information attached to conversation views.
type Profile struct {
	ID          string    `json:"id"`
	Type        chat.Kind `json:"type"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
}

// Directory looks up parties.
type Directory interface {
	Lookup(ctx context.Context, ref chat.ParticipantRef) (Profile, error)
}

// Fallback is shown when a lookup fails while listing conversations.
func Fallback(ref chat.ParticipantRef) Profile {
	name := "Marketplace user"
	if ref.Kind == chat.KindSeller {
		name = "Marketplace seller"
	}
	return Profile{ID: ref.ID, Type: ref.Kind, DisplayName: name}
}

// StaticDirectory serves a fixed set of profiles.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[chat.ParticipantRef]Profile
}

// NewStaticDirectory returns a directory containing profiles.
func NewStaticDirectory(profiles ...Profile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[chat.ParticipantRef]Profile, len(profiles))}
	for _, p := range profiles {
		d.Put(p)
	}
	return d
}

// Put adds or replaces a profile.
func (d *StaticDirectory) Put(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[chat.ParticipantRef{Kind: p.Type, ID: p.ID}] = p
}

func (d *StaticDirectory) Lookup(_ context.Context, ref chat.ParticipantRef) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[ref]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// AcceptAll trusts every well-formed reference. Used in single-process dev
// mode when no profile services are configured.
type AcceptAll struct{}

func (AcceptAll) Lookup(_ context.Context, ref chat.ParticipantRef) (Profile, error) {
	if err := ref.Validate(); err != nil {
		return Profile{}, ErrNotFound
	}
	return Fallback(ref), nil
}
