// Package artifact implements the plugin execution core's artifact broker:
// URI-addressed, content-addressed file storage with atomic publish and a
// JSON metadata sidecar, gated by each caller's artifacts.read/write
// permissions.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ocx/execcore/internal/permgate"
	"github.com/ocx/execcore/pkg/execapi"
)

// WriteMode controls what Write does when an artifact already exists at
// the target URI.
type WriteMode string

const (
	ModeOverwrite   WriteMode = "overwrite"
	ModeFailIfExists WriteMode = "failIfExists"
)

// Status is the artifact lifecycle state recorded in its metadata.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// Metadata is the JSON sidecar published alongside every artifact's data
// file.
type Metadata struct {
	Owner       string     `json:"owner"`
	Size        int64      `json:"size"`
	SHA256      string     `json:"sha256"`
	ContentType string     `json:"contentType"`
	Encoding    string     `json:"encoding,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Status      Status     `json:"status"`
	TTL         *int64     `json:"ttl,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Broker stores and retrieves artifacts under base on the local
// filesystem.
type Broker struct {
	base string
}

func New(base string) *Broker {
	return &Broker{base: base}
}

func (b *Broker) dataPath(u URI) string {
	return filepath.Join(b.base, u.PluginID, filepath.FromSlash(u.Logical))
}

func (b *Broker) metaPath(u URI) string {
	return b.dataPath(u) + ".meta.json"
}

// CheckRead enforces the artifacts.read grants of perm against a request
// to read uri as caller "self" against owner u.PluginID.
func CheckRead(perm execapi.Permissions, u URI) error {
	for _, grant := range perm.ArtifactsR {
		if grant.From != u.PluginID && grant.From != "self" {
			continue
		}
		if permgate.MatchAny(grant.Paths, u.Logical) {
			return nil
		}
	}
	return &execapi.ErrorEnvelope{
		Code:    execapi.ErrPermissionDenied,
		Message: "no artifacts.read grant matches " + u.String(),
		Suggestions: []string{fmt.Sprintf("add '%s' to permissions.artifactsRead", u.Logical)},
	}
}

// CheckWrite enforces the artifacts.write grants of perm against a
// request to write uri.
func CheckWrite(perm execapi.Permissions, u URI) error {
	for _, grant := range perm.ArtifactsW {
		if grant.To != u.PluginID && grant.To != "self" {
			continue
		}
		if permgate.MatchAny(grant.Paths, u.Logical) {
			return nil
		}
	}
	return &execapi.ErrorEnvelope{
		Code:    execapi.ErrPermissionDenied,
		Message: "no artifacts.write grant matches " + u.String(),
		Suggestions: []string{fmt.Sprintf("add '%s' to permissions.artifactsWrite", u.Logical)},
	}
}

// Write atomically publishes data under uri, writing the data file and its
// metadata sidecar each via temp-file-then-rename. The metadata rename
// happens last, so a concurrent reader never observes status=ready before
// the bytes are durable. mode=ModeFailIfExists rejects the write with
// ErrConflict if a data file is already present at uri.
func (b *Broker) Write(uri URI, data []byte, contentType, owner string, ttl *time.Duration, mode WriteMode) (*Metadata, error) {
	dataPath := b.dataPath(uri)
	metaPath := b.metaPath(uri)

	if mode == ModeFailIfExists {
		if _, err := os.Stat(dataPath); err == nil {
			return nil, &execapi.ErrorEnvelope{
				Code:    execapi.ErrConflict,
				Message: "artifact already exists at " + uri.String(),
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, err
	}

	if contentType == "" {
		contentType = guessContentType(uri.Logical)
	}

	sum := sha256.Sum256(data)
	now := time.Now().UTC()
	meta := &Metadata{
		Owner:       owner,
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
		ContentType: contentType,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      StatusReady,
	}
	if ttl != nil {
		ms := ttl.Milliseconds()
		meta.TTL = &ms
		exp := now.Add(*ttl)
		meta.ExpiresAt = &exp
	}

	if err := atomicWrite(dataPath, data); err != nil {
		meta.Status = StatusFailed
		_ = b.writeMetaBestEffort(metaPath, meta)
		return nil, err
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(metaPath, metaJSON); err != nil {
		return nil, err
	}

	return meta, nil
}

func (b *Broker) writeMetaBestEffort(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// atomicWrite writes data to a temp file in the same directory as path,
// fsyncs it, then renames it into place so readers only ever observe the
// old content or the new content, never a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func guessContentType(logical string) string {
	ext := filepath.Ext(logical)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return strings.Split(ct, ";")[0]
	}
	return "application/octet-stream"
}

// ReadMeta loads the metadata sidecar for uri. A missing sidecar is
// reported as NotFound.
func (b *Broker) ReadMeta(uri URI) (*Metadata, error) {
	raw, err := os.ReadFile(b.metaPath(uri))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &execapi.ErrorEnvelope{Code: execapi.ErrNotFound, Message: "artifact not found: " + uri.String()}
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Read returns the data file and metadata for uri, after checking perm's
// artifacts.read grants. Readers only ever observe status=ready metadata
// paired with fully-written data, thanks to Write's rename ordering.
func (b *Broker) Read(perm execapi.Permissions, uri URI) ([]byte, *Metadata, error) {
	if err := CheckRead(perm, uri); err != nil {
		return nil, nil, err
	}
	meta, err := b.ReadMeta(uri)
	if err != nil {
		return nil, nil, err
	}
	if meta.Status != StatusReady {
		return nil, meta, &execapi.ErrorEnvelope{Code: execapi.ErrNotFound, Message: "artifact not ready: " + uri.String()}
	}
	data, err := os.ReadFile(b.dataPath(uri))
	if err != nil {
		return nil, meta, err
	}
	return data, meta, nil
}

// Delete removes only the metadata sidecar, which hides the artifact from
// listings and reads without reclaiming disk space immediately.
func (b *Broker) Delete(uri URI) error {
	err := os.Remove(b.metaPath(uri))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List enumerates artifacts for pluginID whose logical path matches
// globPattern (empty matches everything), returning only entries with a
// present (possibly non-ready) metadata sidecar.
func (b *Broker) List(pluginID, globPattern string) ([]URI, error) {
	root := filepath.Join(b.base, pluginID)
	var out []URI
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".meta.json") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		logical := strings.TrimSuffix(filepath.ToSlash(rel), ".meta.json")
		if globPattern == "" || permgate.MatchAny([]string{globPattern}, logical) {
			out = append(out, URI{PluginID: pluginID, Logical: logical})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForArtifact polls uri's metadata every 500ms until status=ready,
// returning Timeout at the deadline and failing immediately on
// failed/expired.
func (b *Broker) WaitForArtifact(ctx context.Context, uri URI, timeout time.Duration) (*Metadata, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	check := func() (*Metadata, bool, error) {
		meta, err := b.ReadMeta(uri)
		if err != nil {
			var env *execapi.ErrorEnvelope
			if isNotFound(err, &env) {
				return nil, false, nil
			}
			return nil, false, err
		}
		switch meta.Status {
		case StatusReady:
			return meta, true, nil
		case StatusFailed, StatusExpired:
			return meta, true, &execapi.ErrorEnvelope{Code: execapi.ErrNotFound, Message: "artifact " + string(meta.Status) + ": " + uri.String()}
		default:
			return nil, false, nil
		}
	}

	if meta, done, err := check(); done {
		return meta, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case now := <-ticker.C:
			if now.After(deadline) {
				return nil, &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "timed out waiting for " + uri.String()}
			}
			if meta, done, err := check(); done {
				return meta, err
			}
			if time.Now().After(deadline) {
				return nil, &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "timed out waiting for " + uri.String()}
			}
		}
	}
}

func isNotFound(err error, target **execapi.ErrorEnvelope) bool {
	env, ok := err.(*execapi.ErrorEnvelope)
	if !ok {
		return false
	}
	*target = env
	return env.Code == execapi.ErrNotFound
}
