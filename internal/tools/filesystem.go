package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// FilesystemProvider даёт модели доступ к файлам внутри выделенного
// рабочего каталога. Пути за его пределами отклоняются.
type FilesystemProvider struct {
	basePath string
}

func NewFilesystemProvider(basePath string) *FilesystemProvider {
	return &FilesystemProvider{basePath: basePath}
}

func (p *FilesystemProvider) Name() string {
	return "filesystem"
}

func (p *FilesystemProvider) Initialize(_ context.Context) error {
	abs, err := filepath.Abs(p.basePath)
	if err != nil {
		return fmt.Errorf("не удалось определить рабочий каталог: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("не удалось создать рабочий каталог: %w", err)
	}
	p.basePath = abs
	logrus.Infof("Файловый провайдер работает в каталоге %s", abs)
	return nil
}

func (p *FilesystemProvider) Tools() []Descriptor {
	return []Descriptor{
		{
			Name:        "read_file",
			Description: "Прочитать содержимое файла из рабочего каталога",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Путь к файлу относительно рабочего каталога",
					},
				},
				"required": []string{"file_path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Записать текст в файл в рабочем каталоге",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"file_path": map[string]interface{}{
						"type":        "string",
						"description": "Путь к файлу относительно рабочего каталога",
					},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "Содержимое для записи",
					},
				},
				"required": []string{"file_path", "content"},
			},
		},
		{
			Name:        "list_directory",
			Description: "Показать содержимое каталога",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"directory": map[string]interface{}{
						"type":        "string",
						"description": "Путь к каталогу (по умолчанию корень рабочего каталога)",
					},
				},
			},
		},
	}
}

func (p *FilesystemProvider) Execute(_ context.Context, toolName string, params map[string]interface{}) (interface{}, error) {
	switch toolName {
	case "read_file":
		path, err := stringParam(params, "file_path")
		if err != nil {
			return nil, err
		}
		return p.readFile(path)
	case "write_file":
		path, err := stringParam(params, "file_path")
		if err != nil {
			return nil, err
		}
		content, err := stringParam(params, "content")
		if err != nil {
			return nil, err
		}
		return p.writeFile(path, content)
	case "list_directory":
		dir := "."
		if raw, ok := params["directory"].(string); ok && raw != "" {
			dir = raw
		}
		return p.listDirectory(dir)
	default:
		return nil, fmt.Errorf("неизвестный инструмент: %s", toolName)
	}
}

func (p *FilesystemProvider) Context(_ context.Context, _ string) (map[string]interface{}, error) {
	return map[string]interface{}{
		"base_path":            p.basePath,
		"available_operations": []string{"read", "write", "list"},
	}, nil
}

func (p *FilesystemProvider) Shutdown(_ context.Context) error {
	return nil
}

func (p *FilesystemProvider) readFile(path string) (interface{}, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("файл не найден: %s", path)
		}
		return nil, fmt.Errorf("не удалось прочитать файл: %w", err)
	}

	logrus.Infof("Прочитан файл %s, размер %d", path, len(content))
	return string(content), nil
}

func (p *FilesystemProvider) writeFile(path, content string) (interface{}, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("не удалось записать файл: %w", err)
	}

	logrus.Infof("Записан файл %s, размер %d", path, len(content))
	return map[string]interface{}{
		"success": true,
		"path":    full,
		"size":    len(content),
	}, nil
}

func (p *FilesystemProvider) listDirectory(dir string) (interface{}, error) {
	full, err := p.resolve(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("каталог не найден: %s", dir)
		}
		return nil, fmt.Errorf("не удалось прочитать каталог: %w", err)
	}

	items := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		item := map[string]interface{}{
			"name": entry.Name(),
			"type": "file",
		}
		if entry.IsDir() {
			item["type"] = "directory"
		} else if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		items = append(items, item)
	}
	return items, nil
}

// resolve приводит относительный путь к абсолютному и отклоняет выход
// за пределы рабочего каталога.
func (p *FilesystemProvider) resolve(rel string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(p.basePath, rel))
	if err != nil {
		return "", fmt.Errorf("некорректный путь: %w", err)
	}
	if abs != p.basePath && !strings.HasPrefix(abs, p.basePath+string(os.PathSeparator)) {
		return "", errors.New("доступ за пределами рабочего каталога запрещён")
	}
	return abs, nil
}
