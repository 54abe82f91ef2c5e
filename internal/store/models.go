// Package store holds the persistent quiz catalog: users, quizzes,
// questions and answers, backed by postgres through gorm. The session
// engine only reads from it.
package store

import "time"

type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Password  string    `gorm:"not null" json:"-"` // bcrypt hash
	IsAdmin   bool      `json:"is_admin"`
	Quizzes   []Quiz    `gorm:"foreignKey:CreatedBy;constraint:OnDelete:CASCADE" json:"-"`
}

type Quiz struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Name        string     `gorm:"not null" json:"name"`
	Description string     `gorm:"not null" json:"description"`
	CreatedBy   uint       `json:"created_by"`
	Questions   []Question `gorm:"constraint:OnDelete:CASCADE" json:"questions,omitempty"`
}

type Question struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `gorm:"not null" json:"description"`
	TimeLimit   float64   `gorm:"default:30" json:"time_limit"` // seconds
	QuizID      uint      `json:"quiz_id"`
	Answers     []Answer  `gorm:"constraint:OnDelete:CASCADE" json:"answers,omitempty"`
}

type Answer struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Description string    `gorm:"not null" json:"description"`
	IsCorrect   bool      `json:"is_correct"`
	QuestionID  uint      `json:"question_id"`
}
