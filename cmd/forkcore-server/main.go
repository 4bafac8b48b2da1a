// Command forkcore-server is the process entrypoint: it loads
// Configuration from the environment, constructs the singleton
// collaborators (identity resolver, workbook cache, recalc gate, fork
// registry, audit trail), wires them into an rpc.Service, and serves them
// over a minimal newline-delimited JSON loop on stdin/stdout. forkcore
// does not own a wire protocol; this loop is the thinnest possible
// concrete transport, standing in for a real MCP transport collaborator.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sheetmcp/forkcore"
	"github.com/sheetmcp/forkcore/audit"
	"github.com/sheetmcp/forkcore/fork"
	"github.com/sheetmcp/forkcore/fsio"
	"github.com/sheetmcp/forkcore/identity"
	"github.com/sheetmcp/forkcore/recalc"
	"github.com/sheetmcp/forkcore/rpc"
	"github.com/sheetmcp/forkcore/workbookcache"
)

func main() {
	forkcore.ConfigureLogging()

	cfg, err := configFromEnv()
	if err != nil {
		slog.Error("forkcore-server: invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("forkcore-server: configuration rejected", "error", err)
		os.Exit(1)
	}

	svc, err := wire(cfg)
	if err != nil {
		slog.Error("forkcore-server: failed to wire collaborators", "error", err)
		os.Exit(1)
	}

	slog.Info("forkcore-server: ready", "workspace_root", cfg.WorkspaceRoot, "max_forks", cfg.MaxForks)
	serveStdio(svc)
}

// startSweeper re-validates the audit log retention policy on a timer, in
// addition to the enforcement that happens at rotation time.
func startSweeper(trail *audit.Trail) {
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for range t.C {
			trail.Sweep()
		}
	}()
}

// wire constructs every collaborator in dependency order (identity
// resolver, then cache, gate, fork registry, audit trail) and returns the
// rpc.Service tying them together.
func wire(cfg forkcore.Configuration) (*rpc.Service, error) {
	resolver, err := identity.NewResolver(cfg.WorkspaceRoot, cfg.AllowedExtensions)
	if err != nil {
		return nil, fmt.Errorf("identity.NewResolver: %w", err)
	}

	cache, err := workbookcache.New(resolver, noopParser{}, cfg.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("workbookcache.New: %w", err)
	}

	gate, err := recalc.NewGate(cfg.MaxConcurrentRecalcs)
	if err != nil {
		return nil, fmt.Errorf("recalc.NewGate: %w", err)
	}

	registry, err := fork.NewRegistry(fork.Deps{
		WorkspaceRoot: cfg.WorkspaceRoot,
		MaxForks:      cfg.MaxForks,
		Opener:        cache,
		Locator:       resolver,
		Invalidator:   cache,
		FileIO:        fsio.New(3),
		Gate:          gate,
		Backend:       noopBackend{},
	})
	if err != nil {
		return nil, fmt.Errorf("fork.NewRegistry: %w", err)
	}

	trail, err := audit.NewTrail(cfg.AuditBufferCapacity, cfg.AuditLogDir, cfg.AuditMaxFileBytes, cfg.AuditMaxFiles, cfg.AuditMaxAgeDays)
	if err != nil {
		return nil, fmt.Errorf("audit.NewTrail: %w", err)
	}
	startSweeper(trail)

	return rpc.NewService(rpc.Deps{
		Resolver: resolver,
		Cache:    cache,
		Registry: registry,
		Trail:    trail,
		Applier:  noopApplier{},
		Config:   cfg,
	}), nil
}

// configFromEnv populates a Configuration from FORKCORE_* environment
// variables, leaving unset numeric fields at DefaultConfiguration's values.
func configFromEnv() (forkcore.Configuration, error) {
	cfg := forkcore.DefaultConfiguration()
	cfg.WorkspaceRoot = os.Getenv("FORKCORE_WORKSPACE_ROOT")
	cfg.AuditLogDir = os.Getenv("FORKCORE_AUDIT_LOG_DIR")
	if cfg.AuditLogDir == "" && cfg.WorkspaceRoot != "" {
		cfg.AuditLogDir = filepath.Join(cfg.WorkspaceRoot, "audit")
	}
	if exts := os.Getenv("FORKCORE_ALLOWED_EXTENSIONS"); exts != "" {
		cfg.AllowedExtensions = strings.Split(exts, ",")
	} else {
		cfg.AllowedExtensions = []string{"xlsx"}
	}

	for _, f := range []struct {
		env string
		dst *int
	}{
		{"FORKCORE_CACHE_CAPACITY", &cfg.CacheCapacity},
		{"FORKCORE_MAX_CONCURRENT_RECALCS", &cfg.MaxConcurrentRecalcs},
		{"FORKCORE_MAX_FORKS", &cfg.MaxForks},
		{"FORKCORE_TOOL_TIMEOUT_MS", &cfg.ToolTimeoutMs},
		{"FORKCORE_MAX_RESPONSE_BYTES", &cfg.MaxResponseBytes},
		{"FORKCORE_AUDIT_BUFFER_CAPACITY", &cfg.AuditBufferCapacity},
		{"FORKCORE_AUDIT_MAX_FILES", &cfg.AuditMaxFiles},
		{"FORKCORE_AUDIT_MAX_AGE_DAYS", &cfg.AuditMaxAgeDays},
	} {
		if v := os.Getenv(f.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", f.env, err)
			}
			*f.dst = n
		}
	}
	if v := os.Getenv("FORKCORE_AUDIT_MAX_FILE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("FORKCORE_AUDIT_MAX_FILE_BYTES: %w", err)
		}
		cfg.AuditMaxFileBytes = n
	}
	return cfg, nil
}

// request is one newline-delimited JSON call on stdin.
type request struct {
	Id     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response is one newline-delimited JSON reply on stdout.
type response struct {
	Id     int    `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// serveStdio reads one request per line from stdin and writes one response
// per line to stdout until stdin is closed. It understands just enough of
// the method table to be a usable smoke-test harness; a real deployment
// speaks MCP or another framed RPC protocol over this same rpc.Service.
func serveStdio(svc *rpc.Service) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			enc.Encode(response{Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		result, err := dispatch(context.Background(), svc, req)
		if err != nil {
			enc.Encode(response{Id: req.Id, Error: err.Error()})
			continue
		}
		enc.Encode(response{Id: req.Id, Result: result})
	}
	if err := scanner.Err(); err != nil {
		slog.Error("forkcore-server: stdin read failed", "error", err)
	}
}

// dispatch maps a method name to the matching rpc.Service call. It handles
// list_workbooks and cache_stats (no parameters) and open_workbook and
// set_alias (parameters decoded here); other methods are not dispatched by
// this loop, which exists to prove the wiring compiles and runs, not to be
// the protocol.
func dispatch(ctx context.Context, svc *rpc.Service, req request) (any, error) {
	switch req.Method {
	case "list_workbooks":
		return svc.ListWorkbooks(ctx)
	case "cache_stats":
		return svc.CacheStats(ctx)
	case "open_workbook":
		var p struct {
			Ref string `json:"ref"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return svc.OpenWorkbook(ctx, p.Ref)
	case "set_alias":
		var p struct {
			Ref   string `json:"ref"`
			Alias string `json:"alias"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		if err := svc.SetAlias(ctx, p.Ref, p.Alias); err != nil {
			return nil, err
		}
		return "ok", nil
	default:
		return nil, fmt.Errorf("unsupported method %q in the stdio smoke-test loop", req.Method)
	}
}

// noopParser, noopApplier, and noopBackend are placeholder implementations
// of the three extension points this core delegates outward: the
// spreadsheet binary format, cell/region edit semantics, and the external
// recalculation engine. A real deployment replaces all three; these exist
// so the process wires and runs end to end.
type noopParser struct{}

func (noopParser) Parse(ctx context.Context, path string) (forkcore.WorkbookHandle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return noopHandle{size: info.Size()}, nil
}

type noopHandle struct{ size int64 }

func (h noopHandle) Summary() forkcore.WorkbookSummary {
	return forkcore.WorkbookSummary{SizeBytes: h.size}
}
func (h noopHandle) Close() error { return nil }

type noopApplier struct{}

func (noopApplier) Apply(ctx context.Context, workPath string, batch forkcore.EditBatch) error {
	return fmt.Errorf("forkcore-server: no BatchApplier configured for %d mutation(s)", len(batch))
}

type noopBackend struct{}

func (noopBackend) Recalc(ctx context.Context, workPath string) error {
	return fmt.Errorf("forkcore-server: no RecalcBackend configured")
}
