package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"
)

// NewsProvider читает заголовки из доверенных RSS-лент.
type NewsProvider struct {
	parser  *gofeed.Parser
	sources map[string]string
}

func NewNewsProvider() *NewsProvider {
	return &NewsProvider{
		parser: gofeed.NewParser(),
		sources: map[string]string{
			"the_guardian": "https://www.theguardian.com/world/rss",
			"rbc":          "https://rssexport.rbc.ru/rbcnews/news/30/full.rss",
			"wired":        "https://www.wired.com/feed/rss",
		},
	}
}

func (p *NewsProvider) Name() string {
	return "news"
}

func (p *NewsProvider) Initialize(_ context.Context) error {
	return nil
}

func (p *NewsProvider) Tools() []Descriptor {
	return []Descriptor{
		{
			Name:        "get_headlines",
			Description: "Основной инструмент для новостей: общие заголовки или заголовки конкретного источника",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"source": map[string]interface{}{
						"type":        "string",
						"description": "Источник новостей. Без него берутся все источники.",
						"enum":        p.sourceNames(),
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Сколько заголовков вернуть",
						"default":     5,
					},
				},
			},
		},
	}
}

func (p *NewsProvider) Execute(ctx context.Context, toolName string, params map[string]interface{}) (interface{}, error) {
	if toolName != "get_headlines" {
		return nil, fmt.Errorf("неизвестный инструмент: %s", toolName)
	}

	limit := intParam(params, "limit", 5)

	if raw, ok := params["source"].(string); ok && raw != "" {
		source := strings.ToLower(raw)
		if _, known := p.sources[source]; !known {
			return nil, fmt.Errorf("неизвестный источник новостей, доступны: %s", strings.Join(p.sourceNames(), ", "))
		}
		return p.headlines(ctx, source, limit)
	}

	return p.allHeadlines(ctx, limit)
}

// Context отдаёт короткую сводку свежих заголовков.
func (p *NewsProvider) Context(ctx context.Context, _ string) (map[string]interface{}, error) {
	return p.headlines(ctx, "rbc", 3)
}

func (p *NewsProvider) Shutdown(_ context.Context) error {
	return nil
}

func (p *NewsProvider) sourceNames() []string {
	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *NewsProvider) headlines(ctx context.Context, source string, limit int) (map[string]interface{}, error) {
	feed, err := p.parser.ParseURLWithContext(p.sources[source], ctx)
	if err != nil {
		logrus.Errorf("Ошибка при чтении ленты %s: %v", source, err)
		return nil, fmt.Errorf("не удалось прочитать ленту %s: %w", source, err)
	}

	items := feed.Items
	if len(items) > limit {
		items = items[:limit]
	}

	headlines := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		headlines = append(headlines, map[string]interface{}{
			"title":     item.Title,
			"link":      item.Link,
			"summary":   item.Description,
			"published": item.Published,
		})
	}

	return map[string]interface{}{
		"source":    source,
		"headlines": headlines,
		"success":   true,
	}, nil
}

// allHeadlines собирает заголовки со всех лент; недоступные ленты
// пропускаются.
func (p *NewsProvider) allHeadlines(ctx context.Context, limit int) (map[string]interface{}, error) {
	var combined []map[string]interface{}
	var failed []string

	for _, source := range p.sourceNames() {
		result, err := p.headlines(ctx, source, limit)
		if err != nil {
			failed = append(failed, source)
			continue
		}
		if headlines, ok := result["headlines"].([]map[string]interface{}); ok {
			combined = append(combined, headlines...)
		}
	}

	if len(combined) == 0 && len(failed) > 0 {
		return nil, fmt.Errorf("ни одна лента не ответила: %s", strings.Join(failed, ", "))
	}

	return map[string]interface{}{
		"source":    "all",
		"headlines": combined,
		"success":   true,
	}, nil
}
