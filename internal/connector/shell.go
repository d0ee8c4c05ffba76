package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"PricingFlow/internal/agent"
	"PricingFlow/internal/cache"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/pkg/logger"
)

// 远程 shell 连接器支持的动作。
const (
	ActionAnalyzeLogs    = "analyze_logs"
	ActionCheckJobStatus = "check_job_status"
	ActionRestartJob     = "restart_job"
)

const (
	shellSource          = "shell"
	defaultLogDir        = "/app/pricing/logs"
	defaultJobPattern    = "pricing_job"
	defaultRestartScript = "/app/pricing/bin/restart_pricing.sh"
	defaultTailLines     = 200
	defaultGrepContext   = 5
	defaultShellCacheTTL = time.Minute
	defaultSSHTimeout    = 10 * time.Second
)

// Runner 在远程主机上执行一条命令。
type Runner interface {
	Run(ctx context.Context, command string) (stdout string, exitCode int, err error)
}

// SSHConfig 描述批处理服务器的 SSH 连接参数。
type SSHConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	PrivateKeyPath string        `json:"private_key_path"`
	KnownHostsPath string        `json:"known_hosts_path"`
	DialTimeout    time.Duration `json:"dial_timeout"`
}

// SSHRunner 复用一个 SSH 连接，每条命令打开一个会话。
type SSHRunner struct {
	cfg    SSHConfig
	client *ssh.Client
	mu     sync.Mutex
	log    *slog.Logger
}

// NewSSHRunner 校验配置，连接在第一次执行命令时建立。
func NewSSHRunner(cfg SSHConfig) (*SSHRunner, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SSH 主机不能为空")
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SSH 用户不能为空")
	}
	if cfg.Password == "" && cfg.PrivateKeyPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "需要提供 SSH 密码或私钥")
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultSSHTimeout
	}
	return &SSHRunner{cfg: cfg, log: logger.Named("connector.ssh")}, nil
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if r.cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(r.cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		auth = append(auth, ssh.Password(r.cfg.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if r.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(r.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	}
	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         r.cfg.DialTimeout,
	}, nil
}

func (r *SSHRunner) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	cfg, err := r.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.client = ssh.NewClient(c, chans, reqs)
	r.log.Info("已连接批处理服务器", slog.String("addr", addr), slog.String("user", r.cfg.User))
	return r.client, nil
}

func (r *SSHRunner) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

// Run 实现 Runner。非零退出码不视为错误，由调用方解释。
func (r *SSHRunner) Run(ctx context.Context, command string) (string, int, error) {
	client, err := r.connect(ctx)
	if err != nil {
		return "", -1, err
	}
	session, err := client.NewSession()
	if err != nil {
		r.reset()
		return "", -1, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return "", -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), exitErr.ExitStatus(), nil
		}
		return "", -1, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
}

// Close 关闭底层连接。
func (r *SSHRunner) Close() error {
	r.reset()
	return nil
}

// ShellConfig 描述批处理服务器上的日志与作业布局。
type ShellConfig struct {
	LogDir        string `json:"log_dir"`
	JobPattern    string `json:"job_pattern"`
	RestartScript string `json:"restart_script"`
	TailLines     int    `json:"tail_lines"`
}

// Shell 为 unix agent 读取批处理日志和作业状态。
type Shell struct {
	runner Runner
	cfg    ShellConfig
	cache  *cache.Cache
	ttl    time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// ShellOption 自定义 shell 连接器。
type ShellOption func(*Shell)

// WithShellCache 让命令输出写入 shell: 命名空间。
func WithShellCache(c *cache.Cache, ttl time.Duration) ShellOption {
	return func(s *Shell) {
		s.cache = c
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithShellClock 替换日志文件日期的时间来源。
func WithShellClock(now func() time.Time) ShellOption {
	return func(s *Shell) {
		if now != nil {
			s.now = now
		}
	}
}

// NewShell 使用给定的 Runner 创建连接器。
func NewShell(runner Runner, cfg ShellConfig, opts ...ShellOption) *Shell {
	if cfg.LogDir == "" {
		cfg.LogDir = defaultLogDir
	}
	if cfg.JobPattern == "" {
		cfg.JobPattern = defaultJobPattern
	}
	if cfg.RestartScript == "" {
		cfg.RestartScript = defaultRestartScript
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = defaultTailLines
	}
	s := &Shell{
		runner: runner,
		cfg:    cfg,
		ttl:    defaultShellCacheTTL,
		now:    time.Now,
		log:    logger.Named("connector.shell"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Kind 实现 Connector。
func (s *Shell) Kind() agent.ResourceKind { return agent.ResourceShell }

// LogFile 返回当天的作业日志路径。
func (s *Shell) LogFile() string {
	return fmt.Sprintf("%s/%s_%s.log", strings.TrimRight(s.cfg.LogDir, "/"), s.cfg.JobPattern, s.now().Format("20060102"))
}

// Command 返回动作对应的远程命令，未知动作返回空串。
func (s *Shell) Command(action, query string) string {
	cusip := ExtractCUSIP(query)
	switch action {
	case ActionAnalyzeLogs:
		if cusip != "" {
			return fmt.Sprintf("grep -C %d %s %s", defaultGrepContext, shellQuote(cusip), shellQuote(s.LogFile()))
		}
		return fmt.Sprintf("tail -n %d %s", s.cfg.TailLines, shellQuote(s.LogFile()))
	case ActionCheckJobStatus:
		pattern := s.cfg.JobPattern
		if pattern != "" {
			pattern = "[" + pattern[:1] + "]" + pattern[1:]
		}
		return "ps -eo pid,etime,args | grep " + shellQuote(pattern)
	case ActionRestartJob:
		if cusip != "" {
			return shellQuote(s.cfg.RestartScript) + " " + shellQuote(cusip)
		}
		return shellQuote(s.cfg.RestartScript) + " --all-failed"
	default:
		return ""
	}
}

// Fetch 执行动作对应的命令。grep/ps 的退出码 1 表示没有匹配，不视为失败。
func (s *Shell) Fetch(ctx context.Context, req Request) (Result, error) {
	result := Result{Source: shellSource, Action: req.Action}
	command := s.Command(req.Action, req.Query)
	if command == "" {
		s.log.Debug("shell 连接器忽略未知动作", slog.String("action", req.Action))
		return result, nil
	}

	key := cache.Key(cache.NamespaceShell, command)
	// 重启不是只读动作，不走缓存。
	cacheable := s.cache != nil && req.Action != ActionRestartJob
	if cacheable {
		if raw, ok := s.cache.Get(ctx, key); ok {
			result.Text, result.Cached = string(raw), true
			return result, nil
		}
	}

	out, code, err := s.runner.Run(ctx, command)
	if err != nil {
		return result, connectorError(shellSource, req.Action, err, "执行远程命令失败")
	}
	switch {
	case code == 0:
		result.Text = out
	case code == 1 && req.Action != ActionRestartJob:
		result.Text = "no matching entries"
	default:
		return result, connectorError(shellSource, req.Action,
			fmt.Errorf("exit status %d", code), "远程命令返回非零状态")
	}

	if cacheable {
		s.cache.Set(ctx, key, []byte(result.Text), s.ttl)
	}
	return result, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
