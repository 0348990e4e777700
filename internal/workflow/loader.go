package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

// Format 表示链路配置文件的编码格式。
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// catalogueDocument 对应配置文件的顶层结构：{"workflow_chains": {"<id>": {...}}}。
type catalogueDocument struct {
	Chains map[string]chainDocument `json:"workflow_chains" yaml:"workflow_chains"`
}

type chainDocument struct {
	DisplayName string         `json:"display_name" yaml:"display_name"`
	Description string         `json:"description" yaml:"description"`
	RunIDPrefix string         `json:"run_id_prefix" yaml:"run_id_prefix"`
	Timeout     Duration       `json:"timeout" yaml:"timeout"`
	Steps       []stepDocument `json:"steps" yaml:"steps"`
}

type stepDocument struct {
	Name          string         `json:"name" yaml:"name"`
	Type          string         `json:"type" yaml:"type"`
	Required      *bool          `json:"required" yaml:"required"`
	Timeout       Duration       `json:"timeout" yaml:"timeout"`
	Retry         *RetryPolicy   `json:"retry" yaml:"retry"`
	CacheTTL      *Duration      `json:"cache_ttl" yaml:"cache_ttl"`
	ParallelGroup string         `json:"parallel_group" yaml:"parallel_group"`
	Handler       string         `json:"handler" yaml:"handler"`
	With          map[string]any `json:"with" yaml:"with"`
}

// FormatFromPath 根据文件扩展名推断格式。
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// LoadFile 读取并解析链路配置文件。
func LoadFile(path string) ([]*ChainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("读取链路配置 %s 失败", path))
	}
	return Parse(data, FormatFromPath(path))
}

// Parse 解析链路配置并完成结构校验。任意链路非法时返回错误且不返回任何定义。
func Parse(data []byte, format Format) ([]*ChainDefinition, error) {
	var doc catalogueDocument
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, xerrors.Wrap(CodeMalformedChain, err, "解析 YAML 链路配置失败")
		}
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, xerrors.Wrap(CodeMalformedChain, err, "解析 JSON 链路配置失败")
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的链路配置格式: %s", format))
	}
	if len(doc.Chains) == 0 {
		return nil, xerrors.New(CodeMalformedChain, "链路配置中没有 workflow_chains")
	}

	ids := make([]string, 0, len(doc.Chains))
	for id := range doc.Chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	defs := make([]*ChainDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := doc.Chains[id].toDefinition(id)
		if err != nil {
			return nil, err
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (c chainDocument) toDefinition(id string) (*ChainDefinition, error) {
	def := &ChainDefinition{
		ID:          id,
		DisplayName: c.DisplayName,
		Description: c.Description,
		RunIDPrefix: c.RunIDPrefix,
		Timeout:     c.Timeout,
		Steps:       make([]StepDefinition, 0, len(c.Steps)),
	}
	if def.DisplayName == "" {
		def.DisplayName = id
	}
	for i, raw := range c.Steps {
		stepType, ok := ParseStepType(raw.Type)
		if !ok {
			return nil, xerrors.New(CodeMalformedChain,
				fmt.Sprintf("链路 %q 的步骤 #%d (%s) 类型 %q 未知", id, i+1, raw.Name, raw.Type),
				xerrors.WithMetadata("chain_id", id))
		}
		required := stepType.RequiredByDefault()
		if raw.Required != nil {
			required = *raw.Required
		}
		def.Steps = append(def.Steps, StepDefinition{
			Name:          strings.TrimSpace(raw.Name),
			Type:          stepType,
			Required:      required,
			Timeout:       raw.Timeout,
			Retry:         raw.Retry,
			CacheTTL:      raw.CacheTTL,
			ParallelGroup: strings.TrimSpace(raw.ParallelGroup),
			Handler:       strings.TrimSpace(raw.Handler),
			With:          raw.With,
		})
	}
	return def, nil
}
