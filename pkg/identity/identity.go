// Package identity defines the user snapshot bound to a live connection and
// the projections of it that are sent to clients.
package identity

// Identity is a copy of the user's attributes captured when a connection
// authenticates. It is stored in the session pool so events can be attributed
// without querying the user store again.
type Identity struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	Role            string `json:"role,omitempty"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
}

// Ref is the {id, name} pair returned to a client after user-join.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Summary is the sender description attached to relayed room events.
type Summary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Role            string `json:"role,omitempty"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
}

// Ref returns the {id, name} projection.
func (i Identity) Ref() Ref {
	return Ref{ID: i.ID, Name: i.Name}
}

// Summary returns the projection attached to relayed events.
func (i Identity) Summary() Summary {
	return Summary{
		ID:              i.ID,
		Name:            i.Name,
		Role:            i.Role,
		ProfileImageURL: i.ProfileImageURL,
	}
}

// Valid reports whether the identity names a user.
func (i Identity) Valid() bool {
	return i.ID != ""
}
