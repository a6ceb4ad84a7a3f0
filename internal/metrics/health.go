package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const readinessTimeout = 5 * time.Second

// Check проверяет готовность одной зависимости.
type Check func(ctx context.Context) error

// HealthHandler отвечает, пока процесс жив.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ReadinessHandler опрашивает зависимости и возвращает 503, если хотя бы
// одна из них недоступна.
func ReadinessHandler(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		failed := make(map[string]string)
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logrus.Warnf("Проверка готовности %s не прошла: %v", name, err)
				failed[name] = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if len(failed) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "degraded", "failed": failed})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
