package models

import "time"

// User roles.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// User is an enrolled person. Students own at most one face embedding and at
// most one registered radio device.
type User struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	RollNumber    string         `gorm:"size:50;uniqueIndex;not null" json:"roll_number"`
	Name          string         `gorm:"size:200;not null" json:"name"`
	Email         string         `gorm:"size:200;uniqueIndex;not null" json:"email"`
	Role          string         `gorm:"size:20;not null;default:student" json:"role"`
	DeviceAddress *string        `gorm:"size:100" json:"device_address"`
	IsActive      bool           `gorm:"not null" json:"is_active"`
	FaceEmbedding *FaceEmbedding `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasDevice reports whether a radio address is registered.
func (u User) HasDevice() bool {
	return u.DeviceAddress != nil && *u.DeviceAddress != ""
}
