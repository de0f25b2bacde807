package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/logger"
)

var batchSeparators = regexp.MustCompile(`[,;\n]+`)

// ImportSummary accumulates per-item results of a batch add.
type ImportSummary struct {
	Added      int      `json:"added"`
	Invalid    int      `json:"invalid"`
	Failed     int      `json:"failed"`
	Duplicates int      `json:"duplicates"`
	Errors     []string `json:"errors,omitempty"`
}

func (s ImportSummary) String() string {
	return fmt.Sprintf("added %d, invalid %d, failed %d, already tracked %d",
		s.Added, s.Invalid, s.Failed, s.Duplicates)
}

// Import adds every entry of a comma, semicolon or newline separated list.
// A failing entry never aborts the batch.
func (r *ValidatorRegistry) Import(ctx context.Context, text string) ImportSummary {
	var summary ImportSummary
	for _, item := range batchSeparators.Split(text, -1) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		_, err := r.Add(ctx, item)
		var dup *domain.DuplicateValidatorError
		switch {
		case err == nil:
			summary.Added++
		case errors.Is(err, domain.ErrInvalidFormat):
			summary.Invalid++
			summary.Errors = append(summary.Errors, item+": invalid format")
		case errors.As(err, &dup):
			summary.Duplicates++
		case errors.Is(err, domain.ErrBeaconUnreachable):
			summary.Failed++
			summary.Errors = append(summary.Errors, item+": connection error")
		default:
			summary.Failed++
			summary.Errors = append(summary.Errors, item+": "+err.Error())
		}
	}
	logger.Info("Batch import: %s", summary)
	return summary
}

// ExportedValidator is one entry of the export document.
type ExportedValidator struct {
	Index  uint64 `json:"index"`
	Label  string `json:"label"`
	Pubkey string `json:"pubkey,omitempty"`
}

// Export lists tracked validators with their custom labels.
func (r *ValidatorRegistry) Export() []ExportedValidator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExportedValidator, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, ExportedValidator{
			Index:  uint64(v.Index),
			Label:  r.labels[v.ID()],
			Pubkey: v.Pubkey,
		})
	}
	return out
}

// ImportExported restores validators from an export document. Entries are trusted
// as already resolved, so no beacon lookups happen here.
func (r *ValidatorRegistry) ImportExported(entries []ExportedValidator) (ImportSummary, error) {
	var summary ImportSummary
	for _, e := range entries {
		v := domain.Validator{Index: domain.ValidatorIndex(e.Index), Pubkey: strings.ToLower(e.Pubkey)}
		if e.Pubkey != "" && !domain.IsValidPubkey(e.Pubkey) {
			summary.Invalid++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%d: invalid pubkey", e.Index))
			continue
		}
		if !r.insert(v, e.Label) {
			summary.Duplicates++
			continue
		}
		summary.Added++
	}
	if summary.Added == 0 {
		return summary, nil
	}
	return summary, r.save()
}
