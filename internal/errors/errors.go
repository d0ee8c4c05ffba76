// Package errors 定义 PricingFlow 的统一错误类型。每个错误携带错误码，
// 错误码在注册表中对应默认的严重程度、可重试性与告警策略。
package errors

import (
	stdErrors "errors"
	"log/slog"
	"maps"
	"strings"
)

// Error 携带错误码、描述、原因和创建时从注册表解析出的属性。
// 属性在创建时定型，之后重新注册错误码不影响已有错误。
type Error struct {
	code  Code
	msg   string
	cause error
	attrs Attributes
	meta  map[string]string
}

// Option 在创建时调整错误。
type Option func(*Error)

// WithMetadata 附加额外信息，例如步骤序号或 HTTP 状态码。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.meta == nil {
			e.meta = map[string]string{}
		}
		e.meta[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.attrs.Retryable = retryable }
}

// WithSeverity 覆盖错误码默认的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.attrs.Severity = sev }
}

// New 按错误码创建错误，message 为空时沿用注册表里的描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, attrs: AttributesOf(code)}
	e.msg = message
	if e.msg == "" {
		e.msg = e.attrs.Message
	}
	for _, apply := range opts {
		if apply != nil {
			apply(e)
		}
	}
	return e
}

// Wrap 与 New 相同，并记录底层原因供 errors.Unwrap 使用。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	wrapped := New(code, message, opts...)
	wrapped.cause = cause
	return wrapped
}

// Error 的格式为 "[CODE] 描述: 原因"。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.msg)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap 返回被包裹的原因。
func (e *Error) Unwrap() error {
	if e != nil {
		return e.cause
	}
	return nil
}

// Is 使 errors.Is 按错误码匹配。
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && e != nil && other != nil && other.code == e.code
}

// LogValue 让 slog 以分组形式输出错误码、严重程度与附加信息。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.StringValue("")
	}
	attrs := make([]slog.Attr, 0, 5+len(e.meta))
	attrs = append(attrs,
		slog.String("code", string(e.code)),
		slog.String("message", e.msg),
		slog.String("severity", string(e.attrs.Severity)),
	)
	if e.attrs.Retryable {
		attrs = append(attrs, slog.Bool("retryable", true))
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	for k, v := range e.meta {
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Code 返回错误码，nil 接收者为 UNKNOWN。
func (e *Error) Code() Code {
	if e != nil {
		return e.code
	}
	return CodeUnknown
}

// Message 返回不含错误码与原因的描述。
func (e *Error) Message() string {
	if e != nil {
		return e.msg
	}
	return ""
}

// Metadata 返回附加信息的副本，没有时为 nil。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.meta) == 0 {
		return nil
	}
	return maps.Clone(e.meta)
}

// Retryable 报告调用方是否值得重试。
func (e *Error) Retryable() bool { return e != nil && e.attrs.Retryable }

// ShouldAlert 报告该错误是否需要通知值班。
func (e *Error) ShouldAlert() bool { return e != nil && e.attrs.Alert }

// Severity 返回严重程度，nil 接收者为 info。
func (e *Error) Severity() Severity {
	if e != nil {
		return e.attrs.Severity
	}
	return SeverityInfo
}

// From 沿错误链查找第一个 *Error。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var coded *Error
	ok := stdErrors.As(err, &coded)
	return coded, ok
}

// CodeOf 返回错误链中的错误码，找不到时为 UNKNOWN。
func CodeOf(err error) Code {
	coded, _ := From(err)
	return coded.Code()
}

// HasCode 判断错误链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// RetryableError 对任意 error 判断可重试性，非统一错误一律不可重试。
func RetryableError(err error) bool {
	coded, _ := From(err)
	return coded.Retryable()
}

// ShouldAlert 对任意 error 判断是否需要告警。
func ShouldAlert(err error) bool {
	coded, _ := From(err)
	return coded.ShouldAlert()
}

// SeverityOf 对非统一错误返回 UNKNOWN 的默认严重程度。
func SeverityOf(err error) Severity {
	if coded, ok := From(err); ok {
		return coded.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
