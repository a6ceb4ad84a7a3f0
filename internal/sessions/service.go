package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

var ErrUnavailable = errors.New("хранилище сессий недоступно")

type repository interface {
	GetByUserID(ctx context.Context, userID int64) (*Session, error)
	Create(ctx context.Context, userID int64) (*Session, error)
	Touch(ctx context.Context, sessionID int64) error
	AppendMessage(ctx context.Context, sessionID int64, role, content string, tokens int) (int64, error)
	GetRecentMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error)
	GetSystemMessage(ctx context.Context, sessionID int64) (*Message, error)
	DeleteMessages(ctx context.Context, sessionID int64) error
	TrimHistory(ctx context.Context, sessionID int64, keep int) error
	SetActiveTools(ctx context.Context, sessionID int64, tools []string) error
}

type cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Service struct {
	repo       repository
	cache      cache
	cacheTTL   time.Duration
	maxHistory int
}

func NewService(repo *Repository, rdb *redis.Client, cacheTTL time.Duration, maxHistory int) *Service {
	return newService(repo, rdb, cacheTTL, maxHistory)
}

func newService(repo repository, c cache, cacheTTL time.Duration, maxHistory int) *Service {
	return &Service{
		repo:       repo,
		cache:      c,
		cacheTTL:   cacheTTL,
		maxHistory: maxHistory,
	}
}

func sessionKey(userID int64) string {
	return fmt.Sprintf("session:%d", userID)
}

// GetOrCreate возвращает сессию пользователя: сначала кеш, при промахе база
// с ленивым созданием и обратным заполнением кеша.
func (s *Service) GetOrCreate(ctx context.Context, userID int64) (*Session, error) {
	key := sessionKey(userID)

	cached, err := s.cache.Get(ctx, key).Result()
	if err == nil {
		var session Session
		if jsonErr := json.Unmarshal([]byte(cached), &session); jsonErr == nil {
			return &session, nil
		}
		logrus.Warnf("Повреждённая запись кеша %s, читаем из базы", key)
	} else if err != redis.Nil {
		logrus.Warnf("Кеш сессий недоступен: %v", err)
	}

	session, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if session == nil {
		session, err = s.repo.Create(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		logrus.Infof("Создана сессия %d для пользователя %d", session.ID, userID)
	}

	s.storeInCache(ctx, session)
	return session, nil
}

// AppendMessage синхронно пишет сообщение в базу и обновляет кеш (write-through).
func (s *Service) AppendMessage(ctx context.Context, userID int64, role, content string) (*Message, error) {
	session, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	tokens := EstimateTokens(content)
	messageID, err := s.repo.AppendMessage(ctx, session.ID, role, content, tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.repo.Touch(ctx, session.ID); err != nil {
		logrus.Warnf("Не удалось обновить время активности сессии %d: %v", session.ID, err)
	}
	if err := s.repo.TrimHistory(ctx, session.ID, s.maxHistory); err != nil {
		logrus.Warnf("Не удалось подрезать историю сессии %d: %v", session.ID, err)
	}

	session.LastActive = time.Now()
	s.storeInCache(ctx, session)

	return &Message{
		ID:        messageID,
		SessionID: session.ID,
		Role:      role,
		Content:   content,
		Tokens:    tokens,
	}, nil
}

// ContextWindow отбирает самые свежие сообщения, укладывающиеся в бюджет
// токенов. Системное сообщение включается всегда, независимо от давности,
// хронологический порядок выбранных сообщений сохраняется.
func (s *Service) ContextWindow(ctx context.Context, userID int64, maxTokens int) ([]Message, error) {
	session, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	recent, err := s.repo.GetRecentMessages(ctx, session.ID, s.maxHistory)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	systemMsg, err := s.repo.GetSystemMessage(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	budget := maxTokens
	if systemMsg != nil {
		budget -= systemMsg.Tokens
	}

	var selected []Message
	for i := len(recent) - 1; i >= 0; i-- {
		msg := recent[i]
		if msg.Role == RoleSystem {
			continue
		}
		if msg.Tokens > budget {
			break
		}
		budget -= msg.Tokens
		selected = append(selected, msg)
	}

	window := make([]Message, 0, len(selected)+1)
	if systemMsg != nil {
		window = append(window, *systemMsg)
	}
	for i := len(selected) - 1; i >= 0; i-- {
		window = append(window, selected[i])
	}

	return window, nil
}

// Clear стирает историю, сохраняя сессию и пользователя.
func (s *Service) Clear(ctx context.Context, userID int64) error {
	session, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if session == nil {
		return nil
	}

	if err := s.repo.DeleteMessages(ctx, session.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.InvalidateCache(ctx, userID)

	logrus.Infof("История сессии %d очищена", session.ID)
	return nil
}

func (s *Service) SetActiveTools(ctx context.Context, userID int64, tools []string) error {
	session, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.repo.SetActiveTools(ctx, session.ID, tools); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	session.ActiveTools = tools
	s.storeInCache(ctx, session)
	return nil
}

func (s *Service) InvalidateCache(ctx context.Context, userID int64) {
	if err := s.cache.Del(ctx, sessionKey(userID)).Err(); err != nil && err != redis.Nil {
		logrus.Warnf("Не удалось сбросить кеш сессии пользователя %d: %v", userID, err)
	}
}

func (s *Service) storeInCache(ctx context.Context, session *Session) {
	payload, err := json.Marshal(session)
	if err != nil {
		logrus.Warnf("Не удалось сериализовать сессию %d: %v", session.ID, err)
		return
	}
	if err := s.cache.Set(ctx, sessionKey(session.UserID), payload, s.cacheTTL).Err(); err != nil {
		logrus.Warnf("Не удалось обновить кеш сессии %d: %v", session.ID, err)
	}
}
