// Package validation provides centralized input validation for the
// tickstore ingest path.
package validation

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	storeerrors "github.com/arenx/tickstore/internal/errors"
	"github.com/arenx/tickstore/internal/storage/types"
)

// =============================================================================
// Symbol Validation
// =============================================================================

// SymbolRules defines the validation rules for instrument symbols.
type SymbolRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowSlash   bool
	AllowUnders  bool
}

// DefaultSymbolRules returns the rules applied to instrument symbols on
// ingest. Covers the common vendor formats: "EURUSD", "EUR/USD", "BTC-USD",
// "ES.FUT".
func DefaultSymbolRules() SymbolRules {
	return SymbolRules{
		MinLength:    1,
		MaxLength:    32,
		AllowDots:    true,
		AllowHyphens: true,
		AllowSlash:   true,
		AllowUnders:  true,
	}
}

// ValidateSymbol validates an instrument symbol according to the given rules.
func ValidateSymbol(symbol string, rules SymbolRules) error {
	if len(symbol) < rules.MinLength {
		return fmt.Errorf("symbol too short: minimum %d characters required", rules.MinLength)
	}
	if len(symbol) > rules.MaxLength {
		return fmt.Errorf("symbol too long: maximum %d characters allowed", rules.MaxLength)
	}

	if strings.HasPrefix(symbol, ".") {
		return fmt.Errorf("symbol cannot start with '.'")
	}

	for i, r := range symbol {
		if r < 32 || r == 127 {
			return fmt.Errorf("symbol cannot contain control characters at position %d", i)
		}
		if !isAllowedSymbolChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedSymbolChar(r rune, rules SymbolRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '/':
		return rules.AllowSlash
	case '_':
		return rules.AllowUnders
	}
	return false
}

// =============================================================================
// Tick Validation
// =============================================================================

// ValidateTick checks a tick's fields before it enters the store. All
// failures wrap ErrInvalidTick; the tick never reaches the WAL, so a
// rejected tick leaves no trace.
func ValidateTick(t *types.Tick) error {
	if t.InstrumentID == 0 {
		return fmt.Errorf("%w: instrument id must be non-zero", storeerrors.ErrInvalidTick)
	}
	if err := ValidateSymbol(t.Instrument, DefaultSymbolRules()); err != nil {
		return fmt.Errorf("%w: %v", storeerrors.ErrInvalidTick, err)
	}
	if t.EventTimeMs <= 0 {
		return fmt.Errorf("%w: event time %d must be positive", storeerrors.ErrInvalidTick, t.EventTimeMs)
	}

	if err := validPrice("bid price", t.BidPrice); err != nil {
		return err
	}
	if err := validPrice("ask price", t.AskPrice); err != nil {
		return err
	}
	if err := validSize("bid size", t.BidSize); err != nil {
		return err
	}
	if err := validSize("ask size", t.AskSize); err != nil {
		return err
	}

	// One-sided quotes (a zero bid or ask) are legitimate in thin markets,
	// but a tick with no price at all carries no information.
	if t.BidPrice == 0 && t.AskPrice == 0 {
		return fmt.Errorf("%w: tick has neither bid nor ask", storeerrors.ErrInvalidTick)
	}

	return nil
}

// validPrice rejects NaN, infinities, and negative prices. Zero is allowed
// for one-sided quotes.
func validPrice(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is not finite", storeerrors.ErrInvalidTick, field)
	}
	if v < 0 {
		return fmt.Errorf("%w: %s %g is negative", storeerrors.ErrInvalidTick, field, v)
	}
	return nil
}

func validSize(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is not finite", storeerrors.ErrInvalidTick, field)
	}
	if v < 0 {
		return fmt.Errorf("%w: %s %g is negative", storeerrors.ErrInvalidTick, field, v)
	}
	return nil
}
