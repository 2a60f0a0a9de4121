package models

import "time"

// ClassSession is a scheduled class instance. Attendance may only be recorded
// while it is active.
type ClassSession struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CourseCode string    `gorm:"size:50;not null" json:"course_code"`
	CourseName string    `gorm:"size:200;not null" json:"course_name"`
	TeacherID  uint      `gorm:"not null;index" json:"teacher_id"`
	Teacher    User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	StartsAt   time.Time `gorm:"not null" json:"starts_at"`
	EndsAt     time.Time `gorm:"not null" json:"ends_at"`
	IsActive   bool      `gorm:"not null;default:false;index" json:"is_active"`
	BeaconID   string    `gorm:"size:100" json:"beacon_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
