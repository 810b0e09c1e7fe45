package chatsync

import "fmt"

// Identity is an authenticated user as exposed by the users collection.
type Identity struct {
	// ID is the user record id.
	ID string `json:"id"`
	// Email is the account email address.
	Email string `json:"email"`
	// Name is the display name.
	Name string `json:"name"`
	// Photo is the optional avatar file reference.
	Photo string `json:"photo,omitempty"`
}

// DirectoryEntry is a cached Identity keyed by its id.
type DirectoryEntry = Identity

// ValidateIdentity checks record shape and returns the identity it describes.
//
// id, email and name must be present and string-typed; photo may be absent
// but must be a string when present. Every other shape reports
// ErrInvalidIdentity.
func ValidateIdentity(record Record) (Identity, error) {
	if record == nil {
		return Identity{}, fmt.Errorf("validate identity: %w: no record", ErrInvalidIdentity)
	}

	id, ok := record.String("id")
	if !ok {
		return Identity{}, fmt.Errorf("validate identity: %w: id is not a string", ErrInvalidIdentity)
	}
	email, ok := record.String("email")
	if !ok {
		return Identity{}, fmt.Errorf("validate identity %s: %w: email is not a string", id, ErrInvalidIdentity)
	}
	name, ok := record.String("name")
	if !ok {
		return Identity{}, fmt.Errorf("validate identity %s: %w: name is not a string", id, ErrInvalidIdentity)
	}

	identity := Identity{ID: id, Email: email, Name: name}
	if raw, exists := record["photo"]; exists && raw != nil {
		photo, ok := raw.(string)
		if !ok {
			return Identity{}, fmt.Errorf("validate identity %s: %w: photo is not a string", id, ErrInvalidIdentity)
		}
		identity.Photo = photo
	}

	return identity, nil
}

// Record renders the identity back into record form.
func (i Identity) Record() Record {
	record := Record{
		"id":    i.ID,
		"email": i.Email,
		"name":  i.Name,
	}
	if i.Photo != "" {
		record["photo"] = i.Photo
	}

	return record
}
