package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"merchantvasp/txmeta"
)

// RawEvent is one event as delivered by the node, before normalization. The
// payload shape varies across protocol schema versions, so it stays opaque
// until an adapter picks it apart.
type RawEvent struct {
	Key            string          `json:"key"`
	SequenceNumber uint64          `json:"sequence_number"`
	Version        uint64          `json:"transaction_version"`
	Data           json.RawMessage `json:"data"`
}

// IncomingTransaction is the one normalized record every payload adapter
// produces. Reconciliation never sees raw payloads.
type IncomingTransaction struct {
	Version            uint64
	SenderAddress      string
	SenderSubaddress   string
	ReceiverAddress    string
	ReceiverSubaddress string
	Amount             int64
	Currency           string
}

// payloadV1 is the original event schema: nested amount object and
// hex-encoded metadata blob.
type payloadV1 struct {
	Type   string `json:"type"`
	Amount struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Metadata string `json:"metadata"`
}

// payloadV2 is the flattened schema newer nodes emit.
type payloadV2 struct {
	Type     string `json:"type"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Metadata string `json:"metadata"`
}

// ErrNotReceivedPayment marks events that are not incoming payments; the
// sync engine skips them without treating them as failures.
var ErrNotReceivedPayment = fmt.Errorf("chain: event is not a received payment")

// Normalize converts a raw event into the internal transaction record using
// the adapter matching its payload shape.
func Normalize(ev RawEvent) (IncomingTransaction, error) {
	var v1 payloadV1
	if err := json.Unmarshal(ev.Data, &v1); err == nil && v1.Amount.Currency != "" {
		return fromV1(ev, v1)
	}
	var v2 payloadV2
	if err := json.Unmarshal(ev.Data, &v2); err != nil {
		return IncomingTransaction{}, fmt.Errorf("chain: decode event payload: %w", err)
	}
	return fromV2(ev, v2)
}

func fromV1(ev RawEvent, p payloadV1) (IncomingTransaction, error) {
	if p.Type != "receivedpayment" {
		return IncomingTransaction{}, ErrNotReceivedPayment
	}
	txn := IncomingTransaction{
		Version:         ev.Version,
		SenderAddress:   p.Sender,
		ReceiverAddress: p.Receiver,
		Amount:          p.Amount.Amount,
		Currency:        p.Amount.Currency,
	}
	applyMetadata(&txn, p.Metadata)
	return txn, nil
}

func fromV2(ev RawEvent, p payloadV2) (IncomingTransaction, error) {
	if p.Type != "receivedpayment" {
		return IncomingTransaction{}, ErrNotReceivedPayment
	}
	txn := IncomingTransaction{
		Version:         ev.Version,
		SenderAddress:   p.Sender,
		ReceiverAddress: p.Receiver,
		Amount:          p.Amount,
		Currency:        p.Currency,
	}
	applyMetadata(&txn, p.Metadata)
	return txn, nil
}

// applyMetadata decodes the hex metadata blob and copies the routing
// subaddresses onto the record. Malformed metadata degrades to empty routing
// information rather than failing the event.
func applyMetadata(txn *IncomingTransaction, metadataHex string) {
	raw, err := hex.DecodeString(metadataHex)
	if err != nil {
		return
	}
	meta := txmeta.Decode(raw)
	if meta.ToSubaddress != nil {
		txn.ReceiverSubaddress = hex.EncodeToString(meta.ToSubaddress)
	}
	if meta.FromSubaddress != nil {
		txn.SenderSubaddress = hex.EncodeToString(meta.FromSubaddress)
	}
}
