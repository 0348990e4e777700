package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StepType 是步骤类型的封闭枚举。
type StepType string

const (
	StepValidation     StepType = "validation"
	StepAction         StepType = "action"
	StepCollection     StepType = "collection"
	StepAnalysis       StepType = "analysis"
	StepRecommendation StepType = "recommendation"
)

// StepTypes 按声明顺序返回全部步骤类型。
func StepTypes() []StepType {
	return []StepType{StepValidation, StepAction, StepCollection, StepAnalysis, StepRecommendation}
}

// Valid 判断步骤类型是否为已知枚举值。
func (t StepType) Valid() bool {
	switch t {
	case StepValidation, StepAction, StepCollection, StepAnalysis, StepRecommendation:
		return true
	default:
		return false
	}
}

// RequiredByDefault 返回该类型在未显式声明 required 时的默认值。
// 校验类步骤默认作为门禁，其余类型默认为建议性步骤。
func (t StepType) RequiredByDefault() bool {
	return t == StepValidation
}

// ParseStepType 解析配置中的类型字符串。
func ParseStepType(raw string) (StepType, bool) {
	t := StepType(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.Valid()
}

// StepStatus 表示单个步骤的最终结果。
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepTimedOut  StepStatus = "timed_out"
)

// ChainStatus 表示链路运行的整体状态。
type ChainStatus string

const (
	ChainPending            ChainStatus = "pending"
	ChainRunning            ChainStatus = "running"
	ChainCompleted          ChainStatus = "completed"
	ChainFailed             ChainStatus = "failed"
	ChainPartiallyCompleted ChainStatus = "partially_completed"
	ChainCancelled          ChainStatus = "cancelled"
)

// Terminal 判断状态是否为终态。
func (s ChainStatus) Terminal() bool {
	switch s {
	case ChainCompleted, ChainFailed, ChainPartiallyCompleted, ChainCancelled:
		return true
	default:
		return false
	}
}

// Valid 判断状态是否为已知枚举值。
func (s ChainStatus) Valid() bool {
	return s == ChainPending || s == ChainRunning || s.Terminal()
}

// Duration 在 JSON/YAML 中既接受 "30s" 形式的字符串，也接受以秒为单位的数字。
type Duration time.Duration

// Std 返回标准库 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON 以字符串形式输出。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*d = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML 实现 yaml.Marshaler。
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("时长不能为负数: %s", raw)
		}
		return Duration(seconds * float64(time.Second)), nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("无法解析时长 %q: %w", raw, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("时长不能为负数: %s", raw)
	}
	return Duration(parsed), nil
}

// RetryPolicy 覆盖步骤的重试策略。MaxAttempts 为包含首次调用在内的总次数。
type RetryPolicy struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	Delay       Duration `json:"delay" yaml:"delay"`
}

// StepDefinition 描述链路中的一个步骤，注册后不可变。
type StepDefinition struct {
	Name          string         `json:"name"`
	Type          StepType       `json:"type"`
	Required      bool           `json:"required"`
	Timeout       Duration       `json:"timeout,omitempty"`
	Retry         *RetryPolicy   `json:"retry,omitempty"`
	CacheTTL      *Duration      `json:"cache_ttl,omitempty"`
	ParallelGroup string         `json:"parallel_group,omitempty"`
	Handler       string         `json:"handler,omitempty"`
	With          map[string]any `json:"with,omitempty"`
}

// ChainDefinition 是不可变的链路模板。
type ChainDefinition struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"display_name"`
	Description string           `json:"description,omitempty"`
	RunIDPrefix string           `json:"run_id_prefix,omitempty"`
	Timeout     Duration         `json:"timeout,omitempty"`
	Steps       []StepDefinition `json:"steps"`
}

// Step 按名称查找步骤定义。
func (d *ChainDefinition) Step(name string) (StepDefinition, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return StepDefinition{}, false
}

// StepResult 记录一个步骤的执行结果。
type StepResult struct {
	Status     StepStatus    `json:"status"`
	Output     any           `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration_ns"`
	Cached     bool          `json:"cached,omitempty"`
	Note       string        `json:"note,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Failed 判断结果是否为失败或超时。
func (r StepResult) Failed() bool {
	return r.Status == StepFailed || r.Status == StepTimedOut
}

func cloneDefinition(def *ChainDefinition) *ChainDefinition {
	if def == nil {
		return nil
	}
	clone := *def
	clone.Steps = make([]StepDefinition, len(def.Steps))
	for i, step := range def.Steps {
		copied := step
		if step.Retry != nil {
			retry := *step.Retry
			copied.Retry = &retry
		}
		if step.CacheTTL != nil {
			ttl := *step.CacheTTL
			copied.CacheTTL = &ttl
		}
		copied.With = cloneMap(step.With)
		clone.Steps[i] = copied
	}
	return &clone
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
