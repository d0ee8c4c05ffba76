package errors

import (
	"sort"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 工作流错误码。
const (
	// CodeTransport 表示缓存或大模型的网络/超时失败。
	CodeTransport Code = "TRANSPORT_FAILURE"
	// CodeMalformedPlan 表示大模型返回的规划结果无法解析。
	CodeMalformedPlan Code = "MALFORMED_PLAN"
	// CodeUnknownAgent 表示计划引用了未注册的智能体。
	CodeUnknownAgent Code = "UNKNOWN_AGENT"
	// CodeConnector 表示数据库或远程 Shell 连接器返回的错误。
	CodeConnector Code = "CONNECTOR_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},

		// 大模型不可达时有兜底回答，因此只记为 warning 且不告警。
		CodeTransport:     {Message: "transport failure", Severity: SeverityWarning, Retryable: true},
		CodeMalformedPlan: {Message: "malformed plan", Severity: SeverityInfo},
		CodeUnknownAgent:  {Message: "unknown agent", Severity: SeverityWarning, Alert: true},
		CodeConnector:     {Message: "connector failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Codes 返回已注册的错误码，按字母序排列。
func Codes() []Code {
	registryMu.RLock()
	out := make([]Code, 0, len(registry))
	for code := range registry {
		out = append(out, code)
	}
	registryMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
