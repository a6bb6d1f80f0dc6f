// Package identity provides optional SPIFFE/SPIRE workload identity for
// the execution core's admin API: when enabled, the host daemon
// authenticates itself and its callers with short-lived X.509 SVIDs
// instead of long-lived static secrets.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// WorkloadIdentity holds the X.509 source used to mint and verify SVIDs
// for one running process.
type WorkloadIdentity struct {
	source *workloadapi.X509Source
}

// NewWorkloadIdentity connects to a SPIRE agent over its workload API
// Unix socket. Startup is bounded by a short timeout so an unavailable
// agent doesn't hang the host daemon when mTLS is disabled by default.
func NewWorkloadIdentity(socketPath string) (*WorkloadIdentity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: connect to SPIRE agent at %s: %w", socketPath, err)
	}

	slog.Info("identity: connected to SPIRE agent", "socket", socketPath)
	return &WorkloadIdentity{source: source}, nil
}

// ServerTLSConfig returns a tls.Config for the admin API's listener,
// requiring callers to present an SVID under trustDomain.
func (w *WorkloadIdentity) ServerTLSConfig(trustDomain string) (*tls.Config, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid trust domain %q: %w", trustDomain, err)
	}
	return tlsconfig.MTLSServerConfig(w.source, w.source, tlsconfig.AuthorizeMemberOf(td)), nil
}

// VerifyCallerSVID checks that id matches this process's current SVID and
// returns a short fingerprint of its leaf certificate for logging.
func (w *WorkloadIdentity) VerifyCallerSVID(id string) (uint64, error) {
	want, err := spiffeid.FromString(id)
	if err != nil {
		return 0, fmt.Errorf("identity: invalid SPIFFE ID %q: %w", id, err)
	}

	svid, err := w.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("identity: fetch local SVID: %w", err)
	}
	if svid.ID.String() != want.String() {
		return 0, fmt.Errorf("identity: SVID mismatch: expected %s, got %s", want, svid.ID)
	}

	return fingerprint(svid.Certificates[0].Raw), nil
}

func fingerprint(certDER []byte) uint64 {
	sum := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(sum[i])
	}
	return result
}

// Close releases the underlying X.509 source.
func (w *WorkloadIdentity) Close() error {
	return w.source.Close()
}

// WorkerSPIFFEID derives the SPIFFE ID a pooled worker process should be
// issued for workerID under trustDomain.
func WorkerSPIFFEID(trustDomain, workerID string) string {
	return fmt.Sprintf("spiffe://%s/execworker/%s", trustDomain, workerID)
}
