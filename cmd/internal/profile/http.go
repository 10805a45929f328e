package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketchat/cmd/internal/chat"
)

// HTTPDirectory calls GET {base}/{id} on the user or seller service.
type HTTPDirectory struct {
	usersBaseURL   string
	sellersBaseURL string
	client         *http.Client
}

// NewHTTPDirectory constructs an HTTPDirectory. A nil client gets a 3s timeout.
func NewHTTPDirectory(usersBaseURL, sellersBaseURL string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPDirectory{
		usersBaseURL:   strings.TrimRight(usersBaseURL, "/"),
		sellersBaseURL: strings.TrimRight(sellersBaseURL, "/"),
		client:         client,
	}
}

// upstream accepts the common field spellings of the user and seller services.
type upstream struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FullName  string `json:"fullName"`
	ShopName  string `json:"shopName"`
	Avatar    string `json:"avatar"`
	AvatarURL string `json:"avatarUrl"`
	Logo      string `json:"logo"`
}

func (d *HTTPDirectory) Lookup(ctx context.Context, ref chat.ParticipantRef) (Profile, error) {
	if err := ref.Validate(); err != nil {
		return Profile{}, ErrNotFound
	}
	base := d.usersBaseURL
	if ref.Kind == chat.KindSeller {
		base = d.sellersBaseURL
	}
	if base == "" {
		return Profile{}, fmt.Errorf("profile: no base url for %s", ref.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+url.PathEscape(ref.ID), nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: lookup %s: %w", ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Profile{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return Profile{}, fmt.Errorf("profile: lookup %s: status %d", ref, resp.StatusCode)
	}

	var u upstream
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&u); err != nil {
		return Profile{}, fmt.Errorf("profile: decode %s: %w", ref, err)
	}

	p := Fallback(ref)
	if name := firstNonEmpty(u.ShopName, u.FullName, u.Name); name != "" {
		p.DisplayName = name
	}
	p.AvatarURL = firstNonEmpty(u.AvatarURL, u.Avatar, u.Logo)
	return p, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
