// Package consumption debits credits for billable actions before they run.
package consumption

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/internal/ledger"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

// MaxUnitCost bounds a single debit.
const MaxUnitCost = 1000

// maxActivityLen is in runes; the ledger reason column holds text.
const maxActivityLen = 200

type Input struct {
	UserID   uuid.UUID
	UnitCost int
	Activity string
	// EventKey, when set, makes the debit unique.
	EventKey string
}

type Result struct {
	Entry      *models.LedgerEntry
	NewBalance int
}

type Gateway struct {
	ledger *ledger.Store
}

func NewGateway(store *ledger.Store) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	return &Gateway{ledger: store}, nil
}

func (g *Gateway) WithTx(tx *gorm.DB) *Gateway {
	if tx == nil {
		return g
	}
	return &Gateway{ledger: g.ledger.WithTx(tx)}
}

// Consume records one consumption entry of -UnitCost. The caller must not run
// the billable action unless Consume returns without error.
func (g *Gateway) Consume(ctx context.Context, in Input) (*Result, error) {
	if in.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if in.UnitCost <= 0 || in.UnitCost > MaxUnitCost {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unit cost must be between 1 and %d", MaxUnitCost))
	}
	activity := clampActivity(in.Activity)
	if activity == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "activity is required")
	}

	metadata, err := json.Marshal(map[string]any{"activity": activity, "unitCost": in.UnitCost})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode consumption metadata")
	}
	entry := &models.LedgerEntry{
		UserID:   in.UserID,
		Amount:   -in.UnitCost,
		Reason:   activity,
		Source:   enums.LedgerSourceConsumption,
		Metadata: metadata,
	}
	if key := strings.TrimSpace(in.EventKey); key != "" {
		entry.ExternalEventKey = &key
	}

	balance, err := g.ledger.AppendAndApply(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &Result{Entry: entry, NewBalance: balance}, nil
}

func clampActivity(raw string) string {
	activity := strings.TrimSpace(strings.ToValidUTF8(raw, ""))
	if utf8.RuneCountInString(activity) > maxActivityLen {
		activity = strings.TrimSpace(string([]rune(activity)[:maxActivityLen]))
	}
	return activity
}
