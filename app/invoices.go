package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/ports"
)

// InvoiceService serves invoice listings and CSV exports.
type InvoiceService struct {
	invoices ports.InvoiceStore
	archive  ports.ObjectStore
	clock    ports.Clock
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// InvoiceDeps contains dependencies for InvoiceService.
type InvoiceDeps struct {
	Invoices ports.InvoiceStore
	Archive  ports.ObjectStore // optional
	Clock    ports.Clock
	Metrics  *metrics.Collector // optional
	Logger   zerolog.Logger
}

// NewInvoiceService creates an invoice service.
func NewInvoiceService(deps InvoiceDeps) *InvoiceService {
	return &InvoiceService{
		invoices: deps.Invoices,
		archive:  deps.Archive,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// List returns a user's invoices, newest first.
func (s *InvoiceService) List(ctx context.Context, userID string) ([]billing.Invoice, error) {
	return s.invoices.ListByUser(ctx, userID)
}

// WriteCSV writes a user's invoice export to w.
func (s *InvoiceService) WriteCSV(ctx context.Context, userID string, w io.Writer) error {
	rows, err := s.invoices.ExportRows(ctx, userID)
	if err != nil {
		return fmt.Errorf("load export rows: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(billing.CSVHeader()); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.CSVRecord()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Archive uploads a user's export to the object store and returns its
// location.
func (s *InvoiceService) Archive(ctx context.Context, userID string) (string, error) {
	if s.archive == nil {
		return "", ErrArchiveDisabled
	}

	var buf bytes.Buffer
	if err := s.WriteCSV(ctx, userID, &buf); err != nil {
		return "", err
	}

	now := s.clock.Now()
	key := fmt.Sprintf("invoices/%s/%s.csv", userID, now.UTC().Format("2006-01"))
	start := time.Now()
	loc, err := s.archive.Put(ctx, key, "text/csv", &buf)
	observeCall(s.metrics, "archive", "put", start, err)
	if err != nil {
		return "", fmt.Errorf("archive export: %w", err)
	}

	s.logger.Info().Str("user_id", userID).Str("location", loc).Msg("invoice export archived")
	return loc, nil
}
