package payment

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

// Rejection reasons returned inside RejectedError.
const (
	ReasonMalformed    = "malformed"
	ReasonExpired      = "expired"
	ReasonInsufficient = "insufficient"
	ReasonBadSignature = "bad_signature"
	ReasonUnsettled    = "unsettled"
)

// RejectedError describes why a payment proof was rejected.
type RejectedError struct {
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("payment proof rejected (%s): %s", e.Reason, e.Message)
}

func reject(reason, format string, args ...any) error {
	return &RejectedError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Proof is a parsed X-PAYMENT header: signature:timestamp:amount, with the
// timestamp in Unix milliseconds. The raw timestamp and amount strings are
// retained because the signature covers them verbatim.
type Proof struct {
	Signature    string
	TimestampRaw string
	AmountRaw    string
	TimestampMs  int64
	Amount       float64
}

// ParseProof splits a colon-delimited proof header.
func ParseProof(header string) (Proof, error) {
	parts := strings.Split(header, ":")
	if len(parts) < 3 {
		return Proof{}, reject(ReasonMalformed, "expected signature:timestamp:amount, got %d part(s)", len(parts))
	}

	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Proof{}, reject(ReasonMalformed, "invalid timestamp %q", parts[1])
	}
	amount, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Proof{}, reject(ReasonMalformed, "invalid amount %q", parts[2])
	}

	return Proof{
		Signature:    parts[0],
		TimestampRaw: parts[1],
		AmountRaw:    parts[2],
		TimestampMs:  ts,
		Amount:       amount,
	}, nil
}

// SettlementOracle optionally confirms that a proof corresponds to a settled
// payment. Deployments that can check settlement inject one; by default no
// oracle is configured and no settlement check is performed.
type SettlementOracle interface {
	Confirm(ctx context.Context, proof Proof) (bool, error)
}

// ProofVerifier validates a proof header against a challenge and returns the
// payer address. Selected once at construction; implementations carry the
// production and test-mode behaviors.
type ProofVerifier interface {
	Verify(proofHeader string, ch Challenge) (string, error)
}

// SignatureVerifier is the production verifier: it checks proof structure,
// freshness, and amount, then recovers the signer address from the signature
// over "timestamp:amount:description" using the EIP-191 personal message
// scheme. If an oracle is set, settlement is confirmed as a final step.
type SignatureVerifier struct {
	maxProofAge time.Duration
	oracle      SettlementOracle

	now func() time.Time // injectable clock for testing
}

// NewSignatureVerifier creates a SignatureVerifier. maxProofAge bounds how old
// a proof timestamp may be; zero means 5 minutes. oracle may be nil.
func NewSignatureVerifier(maxProofAge time.Duration, oracle SettlementOracle) *SignatureVerifier {
	if maxProofAge <= 0 {
		maxProofAge = 5 * time.Minute
	}
	return &SignatureVerifier{
		maxProofAge: maxProofAge,
		oracle:      oracle,
		now:         time.Now,
	}
}

func (v *SignatureVerifier) Verify(proofHeader string, ch Challenge) (string, error) {
	proof, err := ParseProof(proofHeader)
	if err != nil {
		return "", err
	}

	age := v.now().Sub(time.UnixMilli(proof.TimestampMs))
	if age > v.maxProofAge {
		return "", reject(ReasonExpired, "proof is %s old (max %s)", age.Round(time.Second), v.maxProofAge)
	}

	if proof.Amount < ch.RequiredAmount {
		return "", reject(ReasonInsufficient, "paid %v, required %v", proof.Amount, ch.RequiredAmount)
	}

	signer, err := recoverSigner(proof, ch.Description)
	if err != nil {
		return "", reject(ReasonBadSignature, "%v", err)
	}

	if v.oracle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		settled, err := v.oracle.Confirm(ctx, proof)
		if err != nil {
			return "", reject(ReasonUnsettled, "settlement check failed: %v", err)
		}
		if !settled {
			return "", reject(ReasonUnsettled, "payment not settled")
		}
	}

	return signer, nil
}

// recoverSigner recovers the Ethereum address that signed
// "timestamp:amount:description" as a personal message.
func recoverSigner(proof Proof, description string) (string, error) {
	sigHex := strings.TrimPrefix(proof.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("decoding signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Normalize the recovery id: wallets emit V as 27/28.
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}

	message := fmt.Sprintf("%s:%s:%s", proof.TimestampRaw, proof.AmountRaw, description)
	hash := accounts.TextHash([]byte(message))

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("recovering public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// PermissiveVerifier accepts any proof header, including malformed ones. It
// exists for local development and tests; never select it in production.
type PermissiveVerifier struct{}

func (PermissiveVerifier) Verify(proofHeader string, ch Challenge) (string, error) {
	if proof, err := ParseProof(proofHeader); err == nil {
		if signer, err := recoverSigner(proof, ch.Description); err == nil {
			return signer, nil
		}
	}
	return "anonymous", nil
}

// formatAmount renders a price without exponent notation or trailing zeros,
// matching the format agents sign over.
func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}
