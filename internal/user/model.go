package user

import (
	"time"

	"agrispare-be/internal/identity"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID
	Email     string
	Password  string
	FullName  string
	Role      identity.Role
	CreatedAt time.Time
}

// Identity is the actor a logged-in user acts as.
func (u *User) Identity() identity.Identity {
	return identity.Identity{ActorID: u.ID, Role: u.Role, Email: u.Email}
}
