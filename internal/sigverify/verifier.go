// Package sigverify verifies EIP-712 typed-data signatures on write-path
// operations. Three schemas are supported: Order, Deposit and Withdrawal.
// Every message carries a nonce and a unix expiry; verification fails with
// signature_expired once the expiry passes, and with invalid_signature when
// the recovered address does not match the expected signer.
package sigverify

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"omen-backend/internal/apperr"
)

// DomainName and DomainVersion identify the venue in the signing domain.
const (
	DomainName    = "OmenMarketBackend"
	DomainVersion = "1"
)

// Schema names a supported typed-data primary type.
type Schema string

const (
	SchemaOrder      Schema = "Order"
	SchemaDeposit    Schema = "Deposit"
	SchemaWithdrawal Schema = "Withdrawal"
)

// typeDefs holds the field layout per schema. All value fields are strings
// so arbitrary-precision amounts survive signing untouched; expiry is the
// only native integer.
var typeDefs = map[Schema][]apitypes.Type{
	SchemaOrder: {
		{Name: "marketId", Type: "string"},
		{Name: "side", Type: "string"},
		{Name: "orderKind", Type: "string"},
		{Name: "quantity", Type: "string"},
		{Name: "price", Type: "string"},
		{Name: "nonce", Type: "string"},
		{Name: "expiry", Type: "uint256"},
	},
	SchemaDeposit: {
		{Name: "tokenId", Type: "string"},
		{Name: "amount", Type: "string"},
		{Name: "nonce", Type: "string"},
		{Name: "expiry", Type: "uint256"},
	},
	SchemaWithdrawal: {
		{Name: "tokenId", Type: "string"},
		{Name: "amount", Type: "string"},
		{Name: "destination", Type: "string"},
		{Name: "nonce", Type: "string"},
		{Name: "expiry", Type: "uint256"},
	},
}

// Verifier checks typed-data signatures against a fixed signing domain.
type Verifier struct {
	chainID           *big.Int
	verifyingContract string // optional
}

// New creates a verifier for the given chain. verifyingContract may be
// empty, in which case it is omitted from the domain.
func New(chainID int64, verifyingContract string) *Verifier {
	return &Verifier{chainID: big.NewInt(chainID), verifyingContract: verifyingContract}
}

// Message is the signed payload: the schema fields plus nonce and expiry.
type Message struct {
	Schema Schema
	Fields map[string]string // schema fields except expiry
	Expiry int64             // unix seconds
}

// Verify recovers the signer from sig and compares it, case-insensitively,
// with expected. It also rejects messages whose expiry has passed.
func (v *Verifier) Verify(msg Message, sig []byte, expected string) error {
	if msg.Expiry <= time.Now().Unix() {
		return apperr.New(apperr.CodeSignatureExpired, "message expiry has passed")
	}

	recovered, err := v.recover(msg, sig)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidSignature, "recover signer", err)
	}
	if !strings.EqualFold(recovered.Hex(), expected) {
		return apperr.Newf(apperr.CodeInvalidSignature,
			"signature by %s, expected %s", recovered.Hex(), expected)
	}
	return nil
}

// recover hashes the typed data and recovers the signing address.
func (v *Verifier) recover(msg Message, sig []byte) (common.Address, error) {
	fields, ok := typeDefs[msg.Schema]
	if !ok {
		return common.Address{}, fmt.Errorf("unknown schema %q", msg.Schema)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	domain := apitypes.TypedDataDomain{
		Name:    DomainName,
		Version: DomainVersion,
		ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(v.chainID)),
	}
	if v.verifyingContract != "" {
		domain.VerifyingContract = v.verifyingContract
	}

	domainType := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	}
	if v.verifyingContract != "" {
		domainType = append(domainType, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}

	message := apitypes.TypedDataMessage{}
	for _, f := range fields {
		if f.Name == "expiry" {
			message["expiry"] = fmt.Sprintf("%d", msg.Expiry)
			continue
		}
		message[f.Name] = msg.Fields[f.Name]
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":     domainType,
			string(msg.Schema): fields,
		},
		PrimaryType: string(msg.Schema),
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Address{}, fmt.Errorf("typed data hash: %w", err)
	}

	// Wallets emit V as 27/28; Ecrecover wants 0/1.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, recSig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ParseSignature decodes a 0x-prefixed hex signature.
func ParseSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 130 {
		return nil, apperr.Newf(apperr.CodeInvalidSignature, "signature must be 65 hex bytes")
	}
	sig := common.FromHex("0x" + s)
	if len(sig) != 65 {
		return nil, apperr.Newf(apperr.CodeInvalidSignature, "malformed hex signature")
	}
	return sig, nil
}
