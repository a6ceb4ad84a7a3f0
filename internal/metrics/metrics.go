package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var MessagesProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leobot_messages_processed_total",
		Help: "Обработанные входящие сообщения по исходу.",
	},
	[]string{"outcome"},
)

var ModelCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "leobot_model_call_duration_seconds",
		Help: "Длительность вызовов модели.",
		Buckets: []float64{
			0.25,
			0.5,
			1,
			2,
			5,
			10,
			30,
			60,
		},
	},
	[]string{"outcome"},
)

var ToolExecutions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leobot_tool_executions_total",
		Help: "Вызовы инструментов по имени и статусу.",
	},
	[]string{"tool", "status"},
)

var RateLimitRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leobot_rate_limit_rejections_total",
		Help: "Отклонённые по лимиту запросы.",
	},
	[]string{"scope"},
)

var BreakerOpen = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "leobot_llm_breaker_open",
		Help: "1, когда circuit breaker модели разомкнут.",
	},
)

func RegisterAll() {
	prometheus.Register(MessagesProcessed)
	prometheus.Register(ModelCallDuration)
	prometheus.Register(ToolExecutions)
	prometheus.Register(RateLimitRejections)
	prometheus.Register(BreakerOpen)
}

// Handler отдаёт метрики в формате Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}
