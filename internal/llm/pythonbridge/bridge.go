// Package pythonbridge 让本地推理脚本充当大模型端点，便于在没有 HTTP 服务时联调。
package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/llm"
)

// stderr 只保留末尾这么多字节写入错误信息。
const stderrTail = 512

// Config 描述推理脚本的位置与运行环境。
type Config struct {
	Interpreter string
	Script      string
	WorkDir     string
	// Env 追加到当前进程环境变量之后，形如 KEY=VALUE。
	Env []string
}

// Client 每次请求启动一次脚本：请求 JSON 写入 stdin，
// 脚本在 stdout 输出 {"response": "..."} 或 {"error": "..."}。
type Client struct {
	cfg Config
}

// NewClient 创建脚本客户端，解释器缺省为 python3。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Script) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定推理脚本路径")
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	return &Client{cfg: cfg}, nil
}

type scriptReply struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Generate 运行脚本并返回其回答。脚本退出码非零、输出无法解析、
// 输出 error 字段或回答为空都视为传输失败，交由上层的兜底逻辑处理。
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	payload, err := json.Marshal(req.Normalize())
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	cmd := exec.CommandContext(ctx, c.cfg.Interpreter, c.cfg.Script)
	cmd.Dir = c.cfg.WorkDir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "推理脚本超时")
		}
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "推理脚本执行失败",
			xerrors.WithMetadata("stderr", tail(stderr.String())))
	}

	var reply scriptReply
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &reply); err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "推理脚本输出不是合法 JSON")
	}
	if reply.Error != "" {
		return "", xerrors.Wrap(xerrors.CodeTransport, errors.New(reply.Error), "推理脚本返回错误")
	}
	if strings.TrimSpace(reply.Response) == "" {
		return "", xerrors.New(xerrors.CodeTransport, "推理脚本回答为空")
	}
	return reply.Response, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return s[len(s)-stderrTail:]
	}
	return s
}

// ResolveScriptPath 把相对脚本路径解析到 baseDir 之下。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
