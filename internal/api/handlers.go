package api

import (
	"context"
	"encoding/json"
	"errors"
	"leobot/internal/auth"
	"leobot/internal/llm"
	"leobot/internal/users"
	"leobot/pkg/config"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const tokenTTL = 24 * time.Hour

type userAdmin interface {
	GetUsageStats(ctx context.Context) (*users.UsageStats, error)
	SetBlocked(ctx context.Context, id int64, blocked bool) error
	DeleteUserData(ctx context.Context, id int64) error
}

type promptAdmin interface {
	Current(ctx context.Context, hasTools bool) string
	Update(ctx context.Context, prompt string, setByUserID int64) error
}

type Handler struct {
	userService userAdmin
	prompts     promptAdmin
	cfg         *config.Config
}

func NewHandler(userService *users.Service, promptService *llm.PromptService, cfg *config.Config) *Handler {
	return newHandler(userService, promptService, cfg)
}

func newHandler(userService userAdmin, prompts promptAdmin, cfg *config.Config) *Handler {
	return &Handler{
		userService: userService,
		prompts:     prompts,
		cfg:         cfg,
	}
}

type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type SystemPromptRequest struct {
	Prompt string `json:"prompt"`
}

type SystemPromptResponse struct {
	Prompt string `json:"prompt"`
}

type BlockUserRequest struct {
	UserID  int64 `json:"user_id"`
	Blocked bool  `json:"blocked"`
}

// AuthLoginHandler выдаёт JWT по логину и паролю администратора из
// конфигурации.
func (h *Handler) AuthLoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Метод не разрешен", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Некорректное тело запроса", http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, "Логин и пароль обязательны", http.StatusBadRequest)
		return
	}

	if req.Login != h.cfg.AdminLogin || !auth.CheckPasswordHash(req.Password, h.cfg.AdminPasswordHash) {
		logrus.Warnf("Неудачная попытка входа под логином '%s'", req.Login)
		http.Error(w, "Неверный логин или пароль", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateToken(req.Login, h.cfg.JWTSigningKey, tokenTTL)
	if err != nil {
		logrus.Errorf("Ошибка генерации JWT токена: %v", err)
		http.Error(w, "Ошибка при генерации токена", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResponse{Token: token})
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Метод не разрешен", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.userService.GetUsageStats(r.Context())
	if err != nil {
		logrus.Errorf("Ошибка при получении статистики: %v", err)
		http.Error(w, "Ошибка при получении статистики", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// SystemPromptHandler отдаёт действующий системный промпт и принимает новый.
func (h *Handler) SystemPromptHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SystemPromptResponse{Prompt: h.prompts.Current(r.Context(), false)})

	case http.MethodPut:
		var req SystemPromptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Некорректное тело запроса", http.StatusBadRequest)
			return
		}
		if req.Prompt == "" {
			http.Error(w, "Промпт не может быть пустым", http.StatusBadRequest)
			return
		}

		login, _ := auth.LoginFromContext(r.Context())
		if err := h.prompts.Update(r.Context(), req.Prompt, 0); err != nil {
			logrus.Errorf("Ошибка при обновлении системного промпта: %v", err)
			http.Error(w, "Ошибка при обновлении системного промпта", http.StatusInternalServerError)
			return
		}
		logrus.Infof("Системный промпт обновлён через API администратором '%s'", login)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})

	default:
		http.Error(w, "Метод не разрешен", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) BlockUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Метод не разрешен", http.StatusMethodNotAllowed)
		return
	}

	var req BlockUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Некорректное тело запроса", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 {
		http.Error(w, "user_id обязателен", http.StatusBadRequest)
		return
	}

	if err := h.userService.SetBlocked(r.Context(), req.UserID, req.Blocked); err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			http.Error(w, "Пользователь не найден", http.StatusNotFound)
			return
		}
		logrus.Errorf("Ошибка при изменении блокировки пользователя %d: %v", req.UserID, err)
		http.Error(w, "Ошибка при изменении блокировки", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// DeleteUserHandler удаляет пользователя вместе с историей диалогов.
func (h *Handler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Метод не разрешен", http.StatusMethodNotAllowed)
		return
	}

	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		http.Error(w, "user_id обязателен", http.StatusBadRequest)
		return
	}

	if err := h.userService.DeleteUserData(r.Context(), userID); err != nil {
		logrus.Errorf("Ошибка при удалении данных пользователя %d: %v", userID, err)
		http.Error(w, "Ошибка при удалении данных пользователя", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}
