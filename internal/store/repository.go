package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound hides the gorm sentinel from callers.
var ErrNotFound = errors.New("store: not found")

// AutoMigrate creates or updates the schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Quiz{}, &Question{}, &Answer{})
}

// Repository is the CRUD surface over the quiz catalog.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func wrap(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// QuizWithQuestionsAndAnswers loads a quiz with its ordered question list
// and each question's answers.
func (r *Repository) QuizWithQuestionsAndAnswers(ctx context.Context, quizID uint) (*Quiz, error) {
	var quiz Quiz
	err := r.db.WithContext(ctx).
		Preload("Questions", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Questions.Answers", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&quiz, quizID).Error
	if err != nil {
		return nil, wrap("load quiz", err)
	}
	return &quiz, nil
}

func (r *Repository) Quizzes(ctx context.Context) ([]Quiz, error) {
	var quizzes []Quiz
	if err := r.db.WithContext(ctx).Order("id").Find(&quizzes).Error; err != nil {
		return nil, wrap("list quizzes", err)
	}
	return quizzes, nil
}

func (r *Repository) CreateQuiz(ctx context.Context, quiz *Quiz) error {
	if err := r.db.WithContext(ctx).Create(quiz).Error; err != nil {
		return wrap("create quiz", err)
	}
	return nil
}

func (r *Repository) DeleteQuiz(ctx context.Context, quizID uint) error {
	res := r.db.WithContext(ctx).Delete(&Quiz{}, quizID)
	if res.Error != nil {
		return wrap("delete quiz", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete quiz: %w", ErrNotFound)
	}
	return nil
}

// CreateQuestion attaches a question, answers included, to a quiz.
func (r *Repository) CreateQuestion(ctx context.Context, question *Question) error {
	if err := r.db.WithContext(ctx).Create(question).Error; err != nil {
		return wrap("create question", err)
	}
	return nil
}

func (r *Repository) UserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		return nil, wrap("load user", err)
	}
	return &user, nil
}

func (r *Repository) UserByID(ctx context.Context, userID uint) (*User, error) {
	var user User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, wrap("load user", err)
	}
	return &user, nil
}

func (r *Repository) CreateUser(ctx context.Context, user *User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return wrap("create user", err)
	}
	return nil
}

// IsAdmin reports whether the user carries the admin flag.
func (r *Repository) IsAdmin(ctx context.Context, userID uint) (bool, error) {
	user, err := r.UserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.IsAdmin, nil
}
