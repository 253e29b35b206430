package llm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"orcha/config"
	"orcha/logging"
)

const (
	SourceRuntime = "runtime"
	SourceCatalog = "catalog"

	CapabilityChat   = "chat"
	CapabilityVision = "vision"
)

// ModelOption 描述可选的模型及能力标签。
type ModelOption struct {
	Provider     string   `json:"provider,omitempty"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Recommended  bool     `json:"recommended,omitempty"`
}

// LoadCatalog 读取 llm.catalog_file；未配置或解析失败时根据文本、视觉模型生成默认目录。
func LoadCatalog(cfg config.LLMConfig) []ModelOption {
	if path := strings.TrimSpace(cfg.CatalogFile); path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			logging.L.Warn("llm: read catalog file failed", "path", path, "error", err)
		} else if catalog := parseCatalogJSON(string(data)); len(catalog) > 0 {
			return catalog
		} else {
			logging.L.Warn("llm: catalog file has no usable entries", "path", path)
		}
	}
	return defaultCatalog(cfg)
}

func defaultCatalog(cfg config.LLMConfig) []ModelOption {
	var catalog []ModelOption
	if name := strings.TrimSpace(cfg.TextModel); name != "" {
		catalog = append(catalog, ModelOption{
			Provider:     "local",
			Name:         name,
			DisplayName:  name,
			Description:  "默认文本模型。",
			Capabilities: []string{CapabilityChat},
			Recommended:  true,
		})
	}
	if name := strings.TrimSpace(cfg.VisionModel); name != "" {
		catalog = append(catalog, ModelOption{
			Provider:     "local",
			Name:         name,
			DisplayName:  name,
			Description:  "带图片附件的请求使用的视觉模型。",
			Capabilities: []string{CapabilityChat, CapabilityVision},
		})
	}
	return normalizeCatalog(catalog)
}

// parseCatalogJSON 同时接受 {"models": [...]} 与裸数组两种格式。
func parseCatalogJSON(raw string) []ModelOption {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var wrapped struct {
		Models []ModelOption `json:"models"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil && len(wrapped.Models) > 0 {
		return normalizeCatalog(wrapped.Models)
	}

	var list []ModelOption
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil && len(list) > 0 {
		return normalizeCatalog(list)
	}
	return nil
}

func normalizeCatalog(list []ModelOption) []ModelOption {
	if len(list) == 0 {
		return nil
	}

	result := make([]ModelOption, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, item := range list {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}

		option := ModelOption{
			Provider:     strings.TrimSpace(item.Provider),
			Name:         name,
			DisplayName:  strings.TrimSpace(item.DisplayName),
			Description:  strings.TrimSpace(item.Description),
			Capabilities: normalizeStringSlice(item.Capabilities),
			Recommended:  item.Recommended,
		}
		if option.DisplayName == "" {
			option.DisplayName = name
		}
		result = append(result, option)
	}
	return result
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		lowered := strings.ToLower(trimmed)
		if _, exists := seen[lowered]; exists {
			continue
		}
		seen[lowered] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
