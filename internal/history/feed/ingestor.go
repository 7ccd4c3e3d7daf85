package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"collateraloracle/internal/history"
	"collateraloracle/internal/platform/kafka/consumer"
	id "collateraloracle/pkg/domain"
	"collateraloracle/pkg/platform/sentinel"
)

// DefaultTransfersTopic carries transfer reports from chain adapters.
const DefaultTransfersTopic = "chain-transfers"

// TransferMessage is the payload chain adapters publish for every observed
// ownership change.
type TransferMessage struct {
	AssetID    string           `json:"asset_id"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Chain      string           `json:"chain"`
	AssetType  string           `json:"asset_type,omitempty"`
	Value      *decimal.Decimal `json:"value,omitempty"`
	TxRef      string           `json:"tx_ref"`
	Source     string           `json:"source"`
	OccurredAt time.Time        `json:"occurred_at"`
	ChainProof []byte           `json:"chain_proof,omitempty"`
}

func (m TransferMessage) event() history.OwnershipEvent {
	var occurred *time.Time
	if !m.OccurredAt.IsZero() {
		at := m.OccurredAt.UTC()
		occurred = &at
	}
	return history.OwnershipEvent{
		AssetID:      id.AssetID(strings.TrimSpace(m.AssetID)),
		Kind:         history.KindTransfer,
		Actor:        m.To,
		Counterparty: m.From,
		Timestamp:    m.OccurredAt,
		OccurredAt:   occurred,
		ChainProof:   m.ChainProof,
		Source:       m.Source,
		Chain:        id.ChainID(m.Chain),
		AssetType:    m.AssetType,
		Value:        m.Value,
		TxRef:        m.TxRef,
	}
}

// maxAppendAttempts bounds retries when a local append moves the head
// between reading the log and appending a report.
const maxAppendAttempts = 3

// Ingestor appends reported transfers to the log. Redelivered messages are
// recognised by their transaction reference and skipped. A report whose
// block time predates local events is still appended at the head, stamped
// with the head's time; only a report older than an already recorded
// transfer is dropped.
type Ingestor struct {
	store  history.Store
	logger *slog.Logger
}

type IngestorOption func(*Ingestor)

func WithIngestorLogger(logger *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

func NewIngestor(store history.Store, opts ...IngestorOption) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("history store is required")
	}
	i := &Ingestor{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Handle implements consumer.Handler. Malformed and superseded reports are
// logged and committed; store failures are returned so the message is
// retried.
func (i *Ingestor) Handle(ctx context.Context, msg *consumer.Message) error {
	var report TransferMessage
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		i.logger.Warn("malformed transfer report", "offset", msg.Offset, "error", err)
		return nil
	}
	evt := report.event()
	if err := history.Validate(evt); err != nil {
		i.logger.Warn("invalid transfer report", "offset", msg.Offset, "asset_id", report.AssetID, "error", err)
		return nil
	}

	for attempt := 1; ; attempt++ {
		retry, err := i.appendReport(ctx, evt)
		if !retry || attempt == maxAppendAttempts {
			return err
		}
		i.logger.Debug("asset head moved, retrying transfer", "asset_id", evt.AssetID, "attempt", attempt)
	}
}

// appendReport places evt at the asset's head. retry is true when another
// writer moved the head first.
func (i *Ingestor) appendReport(ctx context.Context, evt history.OwnershipEvent) (retry bool, err error) {
	events, err := i.store.EventsFor(ctx, evt.AssetID, id.Live())
	if err != nil {
		return false, err
	}
	if evt.TxRef != "" && recorded(events, evt.TxRef) {
		i.logger.Debug("duplicate transfer report", "asset_id", evt.AssetID, "tx_ref", evt.TxRef)
		return false, nil
	}
	if later, ok := laterTransfer(events, evt.ChainTime()); ok {
		i.logger.Warn("transfer report superseded",
			"asset_id", evt.AssetID,
			"tx_ref", evt.TxRef,
			"occurred_at", evt.ChainTime(),
			"recorded_tx_ref", later.TxRef,
		)
		return false, nil
	}

	var head id.EventID
	if n := len(events); n > 0 {
		last := events[n-1]
		head = last.EventID
		if evt.Timestamp.Before(last.Timestamp) {
			evt.Timestamp = last.Timestamp
		}
	}

	stored, err := i.store.Append(ctx, evt, history.ExpectHead(head))
	switch {
	case err == nil:
	case history.IsConflict(err), history.IsOutOfOrder(err):
		return true, err
	case errors.Is(err, sentinel.ErrInvalidState):
		i.logger.Warn("transfer report rejected", "asset_id", evt.AssetID, "tx_ref", evt.TxRef, "error", err)
		return false, nil
	default:
		return false, err
	}
	i.logger.Info("transfer ingested",
		"asset_id", stored.AssetID,
		"event_id", stored.EventID,
		"owner", stored.Actor,
		"late", stored.Timestamp.After(stored.ChainTime()),
	)
	return false, nil
}

func recorded(events []history.OwnershipEvent, txRef string) bool {
	for _, e := range events {
		if e.Kind == history.KindTransfer && e.TxRef == txRef {
			return true
		}
	}
	return false
}

// laterTransfer returns the first recorded transfer that happened on chain
// after at.
func laterTransfer(events []history.OwnershipEvent, at time.Time) (history.OwnershipEvent, bool) {
	for _, e := range events {
		if e.Kind == history.KindTransfer && e.ChainTime().After(at) {
			return e, true
		}
	}
	return history.OwnershipEvent{}, false
}
