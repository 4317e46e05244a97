// Package zap verifies payment receipts. A receipt is an outer signed
// envelope from the payment provider wrapping, in its description tag, the
// original signed payment request; the bolt11 invoice inside commits to that
// description by hash. Every check below is independent and fail-fast;
// nothing is mutated until all of them pass.
package zap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"unsub/internal/vps"
)

var (
	ErrWrongProvider     = errors.New("zap: receipt not authored by trusted provider")
	ErrMissingBolt11     = errors.New("zap: missing bolt11 tag")
	ErrMissingDesc       = errors.New("zap: missing description tag")
	ErrInvoiceDecode     = errors.New("zap: invoice does not decode")
	ErrNoAmount          = errors.New("zap: invoice carries no amount")
	ErrNoDescriptionHash = errors.New("zap: invoice carries no description hash")
	ErrHashMismatch      = errors.New("zap: description hash does not match description")
	ErrBadInnerEvent     = errors.New("zap: description is not a valid event")
	ErrBadSignature      = errors.New("zap: inner event signature invalid")
	ErrWrongKind         = errors.New("zap: inner event is not a payment request")
	ErrWrongRecipient    = errors.New("zap: payment request references another recipient")
	ErrAmountMismatch    = errors.New("zap: declared amount differs from invoice amount")
)

// Invoice is the slice of a decoded bolt11 invoice the pipeline needs.
type Invoice struct {
	MSat            int64
	DescriptionHash string
}

// InvoiceDecoder decodes a bolt11 string. Injectable for tests; the default
// uses ln-decodepay.
type InvoiceDecoder func(bolt11 string) (Invoice, error)

func DecodeBolt11(bolt11 string) (Invoice, error) {
	inv, err := decodepay.Decodepay(bolt11)
	if err != nil {
		return Invoice{}, err
	}
	return Invoice{MSat: inv.MSatoshi, DescriptionHash: inv.DescriptionHash}, nil
}

// Directory resolves payers against the authoritative store.
type Directory interface {
	UserByPubkey(ctx context.Context, pubkey string) (vps.User, error)
	ActiveJobs(ctx context.Context, pubkey string) ([]vps.Job, error)
}

// Settler applies a verified payment to exactly one job.
type Settler interface {
	ApplyPayment(ctx context.Context, payerPubkey, jobID string, amountSats int64) error
}

type Sender interface {
	Send(ctx context.Context, pubkey, text string) error
}

type Verifier struct {
	// RecipientPubkey is our own identity; receipts must reference it.
	RecipientPubkey string
	// ProviderPubkey is the only identity allowed to author receipts.
	ProviderPubkey string

	Directory Directory
	Settler   Settler
	Send      Sender

	// Decode defaults to DecodeBolt11 when nil.
	Decode InvoiceDecoder
}

// HandleReceipt runs the verification pipeline and, on success, payment
// matching. Verification failures return an error for the operator log and
// deliberately produce no user-visible output.
func (v *Verifier) HandleReceipt(ctx context.Context, ev *nostr.Event) error {
	inner, msat, err := v.verify(ev)
	if err != nil {
		return err
	}
	return v.match(ctx, inner.PubKey, msat/1000)
}

func (v *Verifier) verify(ev *nostr.Event) (*nostr.Event, int64, error) {
	if ev.PubKey != v.ProviderPubkey {
		return nil, 0, ErrWrongProvider
	}

	bolt11Tag := ev.Tags.GetFirst([]string{"bolt11"})
	if bolt11Tag == nil || bolt11Tag.Value() == "" {
		return nil, 0, ErrMissingBolt11
	}
	descTag := ev.Tags.GetFirst([]string{"description"})
	if descTag == nil || descTag.Value() == "" {
		return nil, 0, ErrMissingDesc
	}
	desc := descTag.Value()

	decode := v.Decode
	if decode == nil {
		decode = DecodeBolt11
	}
	inv, err := decode(bolt11Tag.Value())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvoiceDecode, err)
	}
	if inv.MSat <= 0 {
		return nil, 0, ErrNoAmount
	}
	if inv.DescriptionHash == "" {
		return nil, 0, ErrNoDescriptionHash
	}

	// the invoice commits to the exact description bytes; one changed byte
	// anywhere in the inner request must fail here
	sum := sha256.Sum256([]byte(desc))
	if hex.EncodeToString(sum[:]) != inv.DescriptionHash {
		return nil, 0, ErrHashMismatch
	}

	var inner nostr.Event
	if err := json.Unmarshal([]byte(desc), &inner); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadInnerEvent, err)
	}
	if ok, err := inner.CheckSignature(); err != nil || !ok {
		return nil, 0, ErrBadSignature
	}
	if inner.Kind != nostr.KindZapRequest {
		return nil, 0, ErrWrongKind
	}

	recipientOK := false
	for _, tag := range inner.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == v.RecipientPubkey {
			recipientOK = true
			break
		}
	}
	if !recipientOK {
		return nil, 0, ErrWrongRecipient
	}

	if amountTag := inner.Tags.GetFirst([]string{"amount"}); amountTag != nil && amountTag.Value() != "" {
		declared, err := strconv.ParseInt(amountTag.Value(), 10, 64)
		if err != nil || declared != inv.MSat {
			return nil, 0, ErrAmountMismatch
		}
	}

	return &inner, inv.MSat, nil
}

// match applies the received amount to exactly one of the payer's invoiced
// jobs. Overpayment covers a job, underpayment does not, and ambiguity is
// never guessed.
func (v *Verifier) match(ctx context.Context, payer string, receivedSats int64) error {
	if _, err := v.Directory.UserByPubkey(ctx, payer); err != nil {
		if errors.Is(err, vps.ErrNotFound) {
			return v.Send.Send(ctx, payer, "I received a payment from you, but I don't recognize this account. Get in touch if that seems wrong.")
		}
		return fmt.Errorf("zap: payer lookup: %w", err)
	}

	jobs, err := v.Directory.ActiveJobs(ctx, payer)
	if err != nil {
		return fmt.Errorf("zap: active jobs: %w", err)
	}

	var candidates []vps.Job
	for _, j := range jobs {
		if j.InvoiceID == nil || j.AmountSats == nil {
			continue
		}
		if receivedSats >= *j.AmountSats {
			candidates = append(candidates, j)
		}
	}

	if len(candidates) != 1 {
		log.Printf("zap: %d candidate job(s) for %d sats from %s, not applying", len(candidates), receivedSats, payer)
		return v.Send.Send(ctx, payer, "I received your payment but couldn't match it to a job automatically. Nothing was marked paid; please get in touch.")
	}

	return v.Settler.ApplyPayment(ctx, payer, candidates[0].ID, receivedSats)
}
