// Package runtime implements the sandboxed facade exposed to plugin
// handler code: a filesystem shim, a whitelisted environment accessor, an
// HTTP client gated on net permissions, and a structured logger. Every
// operation resolves paths against a base directory and refuses anything
// that would escape it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ocx/execcore/internal/optrack"
	"github.com/ocx/execcore/internal/permgate"
	"github.com/ocx/execcore/pkg/execapi"
)

// AnalyticsEmitter is the best-effort hook used to report bypass attempts
// and other observational events. A nil emitter is valid: calls become
// no-ops.
type AnalyticsEmitter interface {
	Emit(event string, fields map[string]any)
}

// Facade is the per-execution runtime surface handed to a plugin handler.
type Facade struct {
	workDir   string
	outDir    string
	perms     execapi.Permissions
	dryRun    bool
	analytics AnalyticsEmitter
	tracker   *optrack.Tracker
	logger    *slog.Logger
	http      *http.Client
}

// Config configures a new Facade.
type Config struct {
	WorkDir    string
	OutDir     string
	Perms      execapi.Permissions
	DryRun     bool
	Analytics  AnalyticsEmitter
	Tracker    *optrack.Tracker
	Logger     *slog.Logger
	HTTPClient *http.Client
}

func New(cfg Config) *Facade {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Facade{
		workDir:   cfg.WorkDir,
		outDir:    cfg.OutDir,
		perms:     cfg.Perms,
		dryRun:    cfg.DryRun,
		analytics: cfg.Analytics,
		tracker:   cfg.Tracker,
		logger:    logger,
		http:      client,
	}
}

// skipDryRun records op in the operation tracker as skipped for dry-run
// before returning success without touching the filesystem.
func (f *Facade) skipDryRun(op string, detail map[string]any) {
	if f.tracker == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["reason"] = "dry-run"
	id := f.tracker.Track(op, detail)
	f.tracker.MarkSkipped(id)
}

// Child returns a derived facade whose logger carries the extra fields,
// matching the teacher's structured-logging style (slog.With).
func (f *Facade) Child(fields ...any) *Facade {
	clone := *f
	clone.logger = f.logger.With(fields...)
	return &clone
}

func (f *Facade) Logger() *slog.Logger { return f.logger }

func (f *Facade) emit(event string, fields map[string]any) {
	if f.analytics != nil {
		f.analytics.Emit(event, fields)
	}
}

// resolve joins rel against base and refuses any result that escapes base.
func resolve(base, rel string) (string, error) {
	if base == "" {
		return "", errors.New("runtime: no base directory configured")
	}
	clean := filepath.Join(base, rel)
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absClean, err := filepath.Abs(clean)
	if err != nil {
		return "", err
	}
	if absClean != absBase && !strings.HasPrefix(absClean, absBase+string(filepath.Separator)) {
		return "", &execapi.ErrorEnvelope{Code: execapi.ErrPathTraversal, Message: fmt.Sprintf("path %q escapes base %q", rel, base)}
	}
	return absClean, nil
}

// isArtifactPath heuristically detects paths that belong to the artifact
// broker's storage layout; writes there must go through the broker.
func isArtifactPath(rel string) bool {
	norm := strings.ReplaceAll(rel, "\\", "/")
	return strings.Contains(norm, "/.artifacts/") || strings.HasPrefix(norm, ".artifacts/") || strings.HasPrefix(norm, "artifact/")
}

func (f *Facade) checkFsOrDeny(path string, write bool) error {
	r := permgate.CheckFs(f.perms.FS, path, write)
	if !r.Granted {
		return &execapi.ErrorEnvelope{Code: execapi.ErrPermissionDenied, Message: r.Reason, Suggestions: nonEmpty(r.Remediation)}
	}
	return nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// ReadFile reads rel relative to the working directory.
func (f *Facade) ReadFile(rel string) ([]byte, error) {
	if err := f.checkFsOrDeny(rel, false); err != nil {
		return nil, err
	}
	abs, err := resolve(f.workDir, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile writes rel relative to the output directory, creating parent
// directories as needed. Writes under the artifact directory layout are
// always refused; use the artifact broker instead.
func (f *Facade) WriteFile(rel string, data []byte, perm os.FileMode) error {
	if isArtifactPath(rel) {
		f.emit("plugin.fs.bypass.attempt", map[string]any{"path": rel})
		return &execapi.ErrorEnvelope{
			Code:    execapi.ErrPermissionDenied,
			Message: "writes under the artifact directory must go through the artifact broker",
			Suggestions: []string{"use artifact.Write instead of the filesystem shim"},
		}
	}
	if err := f.checkFsOrDeny(rel, true); err != nil {
		return err
	}
	if f.dryRun {
		f.skipDryRun("fs.write", map[string]any{"path": rel, "bytes": len(data)})
		f.logger.Info("dry-run: would write file", "path", rel, "bytes", len(data))
		return nil
	}
	abs, err := resolve(f.outDir, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, perm)
}

func (f *Facade) Mkdir(rel string, recursive bool) error {
	if err := f.checkFsOrDeny(rel, true); err != nil {
		return err
	}
	if f.dryRun {
		f.skipDryRun("fs.mkdir", map[string]any{"path": rel, "recursive": recursive})
		f.logger.Info("dry-run: would mkdir", "path", rel, "recursive", recursive)
		return nil
	}
	abs, err := resolve(f.outDir, rel)
	if err != nil {
		return err
	}
	if recursive {
		return os.MkdirAll(abs, 0o755)
	}
	return os.Mkdir(abs, 0o755)
}

func (f *Facade) Unlink(rel string) error {
	if err := f.checkFsOrDeny(rel, true); err != nil {
		return err
	}
	if f.dryRun {
		f.skipDryRun("fs.unlink", map[string]any{"path": rel})
		f.logger.Info("dry-run: would unlink", "path", rel)
		return nil
	}
	abs, err := resolve(f.outDir, rel)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

func (f *Facade) Rmdir(rel string) error {
	if err := f.checkFsOrDeny(rel, true); err != nil {
		return err
	}
	if f.dryRun {
		f.skipDryRun("fs.rmdir", map[string]any{"path": rel})
		f.logger.Info("dry-run: would rmdir", "path", rel)
		return nil
	}
	abs, err := resolve(f.outDir, rel)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

func (f *Facade) Readdir(rel string) ([]os.DirEntry, error) {
	if err := f.checkFsOrDeny(rel, false); err != nil {
		return nil, err
	}
	abs, err := resolve(f.workDir, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(abs)
}

func (f *Facade) Stat(rel string) (os.FileInfo, error) {
	if err := f.checkFsOrDeny(rel, false); err != nil {
		return nil, err
	}
	abs, err := resolve(f.workDir, rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

func (f *Facade) Exists(rel string) bool {
	abs, err := resolve(f.workDir, rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

func (f *Facade) Copy(srcRel, dstRel string) error {
	data, err := f.ReadFile(srcRel)
	if err != nil {
		return err
	}
	return f.WriteFile(dstRel, data, 0o644)
}

func (f *Facade) Move(srcRel, dstRel string) error {
	if err := f.checkFsOrDeny(srcRel, true); err != nil {
		return err
	}
	if err := f.checkFsOrDeny(dstRel, true); err != nil {
		return err
	}
	if f.dryRun {
		f.skipDryRun("fs.move", map[string]any{"from": srcRel, "to": dstRel})
		f.logger.Info("dry-run: would move", "from", srcRel, "to", dstRel)
		return nil
	}
	src, err := resolve(f.workDir, srcRel)
	if err != nil {
		return err
	}
	dst, err := resolve(f.outDir, dstRel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// Getenv returns the value of key only if it is whitelisted.
func (f *Facade) Getenv(key string) (string, error) {
	r := permgate.CheckEnv(f.perms.EnvAllow, key)
	if !r.Granted {
		return "", &execapi.ErrorEnvelope{Code: execapi.ErrPermissionDenied, Message: r.Reason, Suggestions: nonEmpty(r.Remediation)}
	}
	return os.Getenv(key), nil
}

// Fetch performs an HTTP request after verifying the target host against
// net permissions. Redirects outside the allow set are not followed.
func (f *Facade) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	u := req.URL
	if r := permgate.CheckNet(f.perms.Net, u.Hostname()); !r.Granted {
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrPermissionDenied, Message: r.Reason, Suggestions: nonEmpty(r.Remediation)}
	}

	client := *f.http
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if r := permgate.CheckNet(f.perms.Net, next.URL.Hostname()); !r.Granted {
			return fmt.Errorf("redirect to disallowed host %q blocked", next.URL.Hostname())
		}
		return nil
	}

	return client.Do(req.WithContext(ctx))
}

// FetchURL is a convenience wrapper over Fetch for simple GETs.
func (f *Facade) FetchURL(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, req)
}

var _ io.Closer = (*noopCloser)(nil)

type noopCloser struct{}

func (noopCloser) Close() error { return nil }
