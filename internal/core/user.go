package core

import (
	"time"

	"github.com/lib/pq"
)

type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserInactive UserStatus = "inactive"
)

// Operator is a platform operator ("developer") kept in the master
// directory.
type Operator struct {
	ID        string     `json:"id" db:"id"`
	Email     string     `json:"email" db:"email"`
	Name      string     `json:"name" db:"name"`
	Status    UserStatus `json:"status" db:"status"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// User is either a tenant user (inside a shop database) or a legacy
// single-tenant user; both tables share this shape.
type User struct {
	ID          string         `json:"id" db:"id"`
	Email       string         `json:"email" db:"email"`
	Name        string         `json:"name" db:"name"`
	Role        string         `json:"role" db:"role"`
	Permissions pq.StringArray `json:"permissions" db:"permissions"`
	Status      UserStatus     `json:"status" db:"status"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

func (u *User) IsActive() bool { return u.Status == UserActive }
