package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

const searchUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

const maxFetchBody = 256 << 10

// WebProvider ищет в интернете через DuckDuckGo Lite и загружает
// страницы с доверенных доменов. Запросы о погоде уходят на wttr.in.
type WebProvider struct {
	client       *http.Client
	searchURL    string
	weatherURL   string
	allowedHosts map[string]bool
}

func NewWebProvider() *WebProvider {
	return &WebProvider{
		client:       &http.Client{Timeout: 10 * time.Second},
		searchURL:    "https://lite.duckduckgo.com/lite",
		weatherURL:   "https://wttr.in",
		allowedHosts: map[string]bool{"wttr.in": true},
	}
}

func (p *WebProvider) Name() string {
	return "web"
}

func (p *WebProvider) Initialize(_ context.Context) error {
	return nil
}

func (p *WebProvider) Tools() []Descriptor {
	return []Descriptor{
		{
			Name:        "web_search",
			Description: "Поиск в интернете. Запросы о погоде автоматически уходят в сервис прогнозов.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Поисковый запрос",
					},
					"top_n": map[string]interface{}{
						"type":        "integer",
						"description": "Сколько результатов вернуть",
						"default":     5,
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "fetch_url",
			Description: "Загрузить содержимое страницы с доверенного домена",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{
						"type":        "string",
						"description": "Адрес страницы",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}

func (p *WebProvider) Execute(ctx context.Context, toolName string, params map[string]interface{}) (interface{}, error) {
	switch toolName {
	case "web_search":
		query, err := stringParam(params, "query")
		if err != nil {
			return nil, err
		}
		return p.search(ctx, query, intParam(params, "top_n", 5))
	case "fetch_url":
		rawURL, err := stringParam(params, "url")
		if err != nil {
			return nil, err
		}
		return p.fetchURL(ctx, rawURL)
	default:
		return nil, fmt.Errorf("неизвестный инструмент: %s", toolName)
	}
}

// Context делает быстрый поиск по запросу пользователя и отдаёт
// первые результаты как фоновый контекст.
func (p *WebProvider) Context(ctx context.Context, query string) (map[string]interface{}, error) {
	if query == "" {
		return map[string]interface{}{"results": []interface{}{}}, nil
	}

	found, err := p.search(ctx, query, 3)
	if err != nil {
		logrus.Errorf("Ошибка при сборе веб-контекста: %v", err)
		return map[string]interface{}{
			"query":   query,
			"error":   err.Error(),
			"results": []interface{}{},
		}, nil
	}
	found["query"] = query
	return found, nil
}

func (p *WebProvider) Shutdown(_ context.Context) error {
	return nil
}

func (p *WebProvider) search(ctx context.Context, query string, topN int) (map[string]interface{}, error) {
	lowered := strings.ToLower(query)
	if strings.Contains(lowered, "weather") || strings.Contains(lowered, "погода") {
		location := strings.TrimSpace(strings.NewReplacer("weather", "", "погода", "").Replace(lowered))
		return p.fetchURL(ctx, fmt.Sprintf("%s/%s?format=3", p.weatherURL, url.PathEscape(location)))
	}

	form := url.Values{
		"q":  {query},
		"kl": {"us-en"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.searchURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("не удалось собрать поисковый запрос: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("поиск не удался: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("поиск вернул статус %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("не удалось разобрать страницу результатов: %w", err)
	}

	var results []map[string]interface{}
	snippets := doc.Find("td.result-snippet")
	doc.Find("a.result-link").EachWithBreak(func(i int, link *goquery.Selection) bool {
		if len(results) >= topN {
			return false
		}
		href, _ := link.Attr("href")
		item := map[string]interface{}{
			"url":   href,
			"title": strings.TrimSpace(link.Text()),
		}
		if snippet := snippets.Eq(i); snippet.Length() > 0 {
			item["snippet"] = strings.TrimSpace(snippet.Text())
		}
		results = append(results, item)
		return true
	})

	return map[string]interface{}{
		"results":       results,
		"total_results": len(results),
	}, nil
}

func (p *WebProvider) fetchURL(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("некорректный URL: %s", rawURL)
	}
	if !p.allowedHosts[parsed.Hostname()] {
		return nil, fmt.Errorf("прямой доступ к домену %s запрещён", parsed.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("не удалось собрать запрос: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить страницу: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("страница вернула статус %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать ответ: %w", err)
	}

	return map[string]interface{}{
		"url":          rawURL,
		"content":      strings.TrimSpace(string(body)),
		"content_type": resp.Header.Get("Content-Type"),
		"status":       resp.StatusCode,
	}, nil
}
