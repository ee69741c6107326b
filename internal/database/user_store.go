package database

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
)

// ErrUserNotFound is returned for unknown or inactive users.
var ErrUserNotFound = errors.New("user not found")

type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Get(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Storage(err, "get user")
	}
	return &user, nil
}

func (s *UserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Storage(err, "find user")
	}
	return &user, nil
}

func (s *UserStore) Create(ctx context.Context, user *models.User, password string) error {
	if err := user.SetPassword(password); err != nil {
		return errors.Wrap(err, "hash password")
	}
	return errors.Storage(s.db.WithContext(ctx).Create(user).Error, "create user")
}

// EnsureAdmin creates an admin account when the users table is empty. An
// empty password leaves the table untouched.
func (s *UserStore) EnsureAdmin(ctx context.Context, username, password string, log *zap.SugaredLogger) error {
	if log == nil {
		log = logging.Nop()
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Count(&count).Error; err != nil {
		return errors.Storage(err, "count users")
	}
	if count > 0 {
		return nil
	}
	if password == "" {
		log.Warnw("No users exist and auth.admin_password is empty; API login is unavailable")
		return nil
	}

	admin := &models.User{Username: username, Role: models.RoleAdmin, IsActive: true}
	if err := s.Create(ctx, admin, password); err != nil {
		return err
	}
	log.Infow("Bootstrapped admin user", "username", username)
	return nil
}
