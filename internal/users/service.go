package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	ErrUserNotFound = errors.New("пользователь не найден")
	ErrUserBlocked  = errors.New("пользователь заблокирован")
)

type Profile struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

type repository interface {
	Upsert(ctx context.Context, id int64, username, firstName, lastName string, isAdmin bool) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	SetBlocked(ctx context.Context, id int64, blocked bool) error
	Delete(ctx context.Context, id int64) error
	GetUsageStats(ctx context.Context) (*UsageStats, error)
}

type Service struct {
	repo     repository
	adminIDs map[int64]bool
}

func NewService(repo *Repository, adminIDs []int64) *Service {
	return newService(repo, adminIDs)
}

func newService(repo repository, adminIDs []int64) *Service {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Service{repo: repo, adminIDs: admins}
}

// GetOrCreate регистрирует пользователя при первом контакте и возвращает его.
// Заблокированным возвращается ErrUserBlocked.
func (s *Service) GetOrCreate(ctx context.Context, profile Profile) (*User, error) {
	user, err := s.repo.Upsert(ctx, profile.ID, profile.Username, profile.FirstName, profile.LastName, s.adminIDs[profile.ID])
	if err != nil {
		logrus.Errorf("Ошибка при сохранении пользователя %d: %v", profile.ID, err)
		return nil, fmt.Errorf("внутренняя ошибка сервера при сохранении пользователя")
	}

	if user.IsBlocked {
		return nil, ErrUserBlocked
	}
	return user, nil
}

func (s *Service) GetByID(ctx context.Context, id int64) (*User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		logrus.Errorf("Ошибка при получении пользователя %d: %v", id, err)
		return nil, fmt.Errorf("внутренняя ошибка сервера")
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *Service) IsAdmin(ctx context.Context, id int64) bool {
	if s.adminIDs[id] {
		return true
	}

	user, err := s.repo.GetByID(ctx, id)
	if err != nil || user == nil {
		return false
	}
	return user.IsAdmin
}

func (s *Service) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	if err := s.repo.SetBlocked(ctx, id, blocked); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		logrus.Errorf("Ошибка при блокировке пользователя %d: %v", id, err)
		return fmt.Errorf("внутренняя ошибка сервера")
	}
	logrus.Infof("Пользователь %d: блокировка = %t", id, blocked)
	return nil
}

// DeleteUserData полностью удаляет пользователя вместе с историей по явному запросу.
func (s *Service) DeleteUserData(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		logrus.Errorf("Ошибка при удалении данных пользователя %d: %v", id, err)
		return fmt.Errorf("внутренняя ошибка сервера при удалении данных")
	}
	logrus.Infof("Данные пользователя %d удалены", id)
	return nil
}

func (s *Service) GetUsageStats(ctx context.Context) (*UsageStats, error) {
	stats, err := s.repo.GetUsageStats(ctx)
	if err != nil {
		logrus.Errorf("Ошибка при получении статистики: %v", err)
		return nil, fmt.Errorf("внутренняя ошибка сервера при получении статистики")
	}
	return stats, nil
}
