package scans

import (
	"bytes"
	"context"
	"encoding/hex"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// eicarSignature is the standard antivirus test string. Any payload
// containing it must be reported as malicious.
const eicarSignature = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// SignatureProvider matches payloads against a static list of byte
// signatures. It is always available and serves as the built-in baseline
// scanner in deployments without an external engine.
type SignatureProvider struct {
	signatures map[string][]byte
}

// NewSignatureProvider builds the provider from hex-encoded signatures
// keyed by threat name. The EICAR test signature is always included.
func NewSignatureProvider(extra map[string]string) (*SignatureProvider, error) {
	sigs := map[string][]byte{
		"Eicar-Test-Signature": []byte(eicarSignature),
	}
	for name, hexSig := range extra {
		raw, err := hex.DecodeString(hexSig)
		if err != nil {
			return nil, err
		}
		sigs[name] = raw
	}
	return &SignatureProvider{signatures: sigs}, nil
}

func (p *SignatureProvider) Name() string { return "signature" }

func (p *SignatureProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *SignatureProvider) Scan(ctx context.Context, data []byte, sha256hex, filename string) (Result, error) {
	start := time.Now()

	var threats []models.Threat
	for name, sig := range p.signatures {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if bytes.Contains(data, sig) {
			threats = append(threats, models.Threat{Name: name, Type: "signature", Severity: "high"})
		}
	}

	res := Result{
		Provider:    p.Name(),
		Status:      models.ScanClean,
		ThreatLevel: models.ThreatClean,
		Duration:    time.Since(start),
	}
	if len(threats) > 0 {
		res.Status = models.ScanInfected
		res.ThreatLevel = models.ThreatMalicious
		res.Threats = threats
	}
	return res, nil
}
