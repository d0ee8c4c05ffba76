package connector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"PricingFlow/internal/agent"
	"PricingFlow/internal/cache"
	xerrors "PricingFlow/internal/errors"
	"PricingFlow/internal/storage/mysql"
)

type stubSource struct {
	latest     *mysql.PricingRow
	failures   []mysql.PricingRow
	err        error
	lastFilter mysql.FailureFilter
	calls      int
}

func (s *stubSource) LatestPrice(_ context.Context, cusip string) (*mysql.PricingRow, error) {
	s.calls++
	return s.latest, s.err
}

func (s *stubSource) FailedPricings(_ context.Context, filter mysql.FailureFilter) ([]mysql.PricingRow, error) {
	s.calls++
	s.lastFilter = filter
	return s.failures, s.err
}

type stubRunner struct {
	out      string
	code     int
	err      error
	commands []string
}

func (r *stubRunner) Run(_ context.Context, command string) (string, int, error) {
	r.commands = append(r.commands, command)
	return r.out, r.code, r.err
}

func memoryCache() *cache.Cache {
	return cache.New(cache.NewMemoryBackend(0), cache.StateDegraded)
}

func fixedClock() time.Time { return time.Date(2025, 12, 17, 9, 30, 0, 0, time.UTC) }

func TestExtractCUSIP(t *testing.T) {
	cases := map[string]string{
		"price for cusip 123":                      "123",
		"why did pricing fail for cusip 037833100": "037833100",
		"CUSIP: 912828zt6 status":                  "912828ZT6",
		"check 037833100 please":                   "037833100",
		"show logs":                                "",
	}
	for query, want := range cases {
		if got := ExtractCUSIP(query); got != want {
			t.Fatalf("ExtractCUSIP(%q) = %q, want %q", query, got, want)
		}
	}
}

func TestSetLookup(t *testing.T) {
	db := NewDatabaseConnector(&stubSource{})
	set := NewSet(db, nil)
	if c, ok := set.For(agent.ResourceDatabase); !ok || c != db {
		t.Fatalf("expected database connector")
	}
	if _, ok := set.For(agent.ResourceShell); ok {
		t.Fatalf("shell connector should be absent")
	}
	if _, ok := set.For(agent.ResourceNone); ok {
		t.Fatalf("none resource never has a connector")
	}
	if kinds := set.Kinds(); len(kinds) != 1 || kinds[0] != agent.ResourceDatabase {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}

func TestDatabaseQueryPriceCaches(t *testing.T) {
	price := 189.25
	src := &stubSource{latest: &mysql.PricingRow{CUSIP: "037833100", Price: &price, Status: "PRICED"}}
	db := NewDatabaseConnector(src, WithQueryCache(memoryCache(), 0))
	ctx := context.Background()

	first, err := db.Fetch(ctx, Request{Action: ActionQueryPrice, Query: "price for cusip 037833100"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if first.Cached || !strings.Contains(first.Text, `"price":189.25`) {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second, err := db.Fetch(ctx, Request{Action: ActionQueryPrice, Query: "check price cusip 037833100"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !second.Cached || second.Text != first.Text {
		t.Fatalf("expected cached result, got %+v", second)
	}
	if src.calls != 1 {
		t.Fatalf("expected one source call, got %d", src.calls)
	}
}

func TestDatabaseErrorDetailsByDate(t *testing.T) {
	src := &stubSource{failures: []mysql.PricingRow{{CUSIP: "037833100", Status: "FAILED", ErrorCode: "E001"}}}
	db := NewDatabaseConnector(src, WithClock(fixedClock))

	res, err := db.Fetch(context.Background(), Request{Action: ActionErrorDetails, Query: "what failed today"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(res.Text, "E001") {
		t.Fatalf("unexpected text: %s", res.Text)
	}
	if src.lastFilter.CUSIP != "" || !src.lastFilter.Date.Equal(fixedClock()) {
		t.Fatalf("unexpected filter: %+v", src.lastFilter)
	}
}

func TestDatabaseGeneralQueryWithoutCUSIP(t *testing.T) {
	src := &stubSource{}
	db := NewDatabaseConnector(src)
	res, err := db.Fetch(context.Background(), Request{Action: ActionGeneralQuery, Query: "hello"})
	if err != nil || !res.Empty() || src.calls != 0 {
		t.Fatalf("expected empty result without source call, got %+v err=%v calls=%d", res, err, src.calls)
	}
	res, err = db.Fetch(context.Background(), Request{Action: "drop_table", Query: "cusip 123"})
	if err != nil || !res.Empty() {
		t.Fatalf("unknown action should be empty, got %+v err=%v", res, err)
	}
}

func TestDatabaseFailureIsConnectorError(t *testing.T) {
	src := &stubSource{err: errors.New("connection refused")}
	db := NewDatabaseConnector(src)
	_, err := db.Fetch(context.Background(), Request{Action: ActionQueryPrice, Query: "price for cusip 123"})
	if xerrors.CodeOf(err) != xerrors.CodeConnector {
		t.Fatalf("expected connector error, got %v", err)
	}
	coded, _ := xerrors.From(err)
	if coded.Metadata()["source"] != "database" || coded.Metadata()["action"] != ActionQueryPrice {
		t.Fatalf("unexpected metadata: %v", coded.Metadata())
	}
}

func TestShellCommands(t *testing.T) {
	sh := NewShell(&stubRunner{}, ShellConfig{}, WithShellClock(fixedClock))

	if got := sh.LogFile(); got != "/app/pricing/logs/pricing_job_20251217.log" {
		t.Fatalf("unexpected log file: %s", got)
	}
	if got := sh.Command(ActionAnalyzeLogs, "why did pricing fail for cusip 037833100"); got != "grep -C 5 '037833100' '/app/pricing/logs/pricing_job_20251217.log'" {
		t.Fatalf("unexpected grep command: %s", got)
	}
	if got := sh.Command(ActionAnalyzeLogs, "show logs"); got != "tail -n 200 '/app/pricing/logs/pricing_job_20251217.log'" {
		t.Fatalf("unexpected tail command: %s", got)
	}
	if got := sh.Command(ActionCheckJobStatus, "job status"); got != "ps -eo pid,etime,args | grep '[p]ricing_job'" {
		t.Fatalf("unexpected ps command: %s", got)
	}
	if got := sh.Command("rm", "x"); got != "" {
		t.Fatalf("unknown action should have no command, got %s", got)
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("unexpected quoting: %s", got)
	}
}

func TestShellFetch(t *testing.T) {
	runner := &stubRunner{out: "12:00:01 ERROR 037833100 vendor timeout\n"}
	sh := NewShell(runner, ShellConfig{}, WithShellCache(memoryCache(), 0), WithShellClock(fixedClock))
	ctx := context.Background()
	req := Request{Action: ActionAnalyzeLogs, Query: "cusip 037833100"}

	res, err := sh.Fetch(ctx, req)
	if err != nil || !strings.Contains(res.Text, "vendor timeout") || res.Cached {
		t.Fatalf("unexpected result: %+v err=%v", res, err)
	}
	res, err = sh.Fetch(ctx, req)
	if err != nil || !res.Cached {
		t.Fatalf("expected cached result: %+v err=%v", res, err)
	}
	if len(runner.commands) != 1 {
		t.Fatalf("expected one remote command, got %d", len(runner.commands))
	}
}

func TestShellExitCodes(t *testing.T) {
	sh := NewShell(&stubRunner{code: 1}, ShellConfig{})
	res, err := sh.Fetch(context.Background(), Request{Action: ActionCheckJobStatus})
	if err != nil || res.Text != "no matching entries" {
		t.Fatalf("exit 1 should mean no match: %+v err=%v", res, err)
	}

	sh = NewShell(&stubRunner{code: 2}, ShellConfig{})
	if _, err := sh.Fetch(context.Background(), Request{Action: ActionCheckJobStatus}); xerrors.CodeOf(err) != xerrors.CodeConnector {
		t.Fatalf("expected connector error, got %v", err)
	}

	sh = NewShell(&stubRunner{err: errors.New("handshake failed")}, ShellConfig{})
	if _, err := sh.Fetch(context.Background(), Request{Action: ActionAnalyzeLogs}); xerrors.CodeOf(err) != xerrors.CodeConnector {
		t.Fatalf("expected connector error, got %v", err)
	}
}

func TestNewSSHRunnerValidation(t *testing.T) {
	if _, err := NewSSHRunner(SSHConfig{User: "svc", Password: "x"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for missing host, got %v", err)
	}
	if _, err := NewSSHRunner(SSHConfig{Host: "batch01", User: "svc"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for missing credentials, got %v", err)
	}
	r, err := NewSSHRunner(SSHConfig{Host: "batch01", User: "svc", Password: "x"})
	if err != nil || r.cfg.Port != 22 {
		t.Fatalf("unexpected runner: %+v err=%v", r, err)
	}
}
