// Package advisor contains the financial-advisory domain logic shipped next
// to the relay: monthly aggregation of transaction records and canned
// savings/SIP advice text. It is plain data summarization with no
// concurrency and never runs inside the webhook pipeline.
package advisor

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Amount is a float64 that also unmarshals from JSON strings, since exported
// transaction records carry amounts both ways ("50000" and 50000).
type Amount float64

func (a *Amount) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*a = Amount(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", s, err)
	}
	*a = Amount(f)
	return nil
}

// Transaction is one exported transaction record.
type Transaction struct {
	Amount      Amount `json:"amount"`
	Type        string `json:"type"` // "received" | "sent" | "expense"
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// MonthlyTotal is the aggregated income and expenses for one month.
type MonthlyTotal struct {
	Income   float64
	Expenses float64
}

// Savings returns income minus expenses for the month.
func (m MonthlyTotal) Savings() float64 { return m.Income - m.Expenses }

// Investment is a transaction recognized as an existing investment.
type Investment struct {
	Date        string
	Amount      float64
	Description string
	Type        string
}

// Analysis is the result of aggregating a transaction history.
type Analysis struct {
	Monthly           map[string]MonthlyTotal
	TotalIncome       float64
	TotalExpenses     float64
	TotalSavings      float64
	AvgMonthlySavings float64
	Investments       []Investment
}

var investmentKeywords = []string{"sip", "mutual fund", "elss", "ppf", "nsc", "fd", "investment"}

// Analyze aggregates transactions into monthly income/expense totals and
// collects recognized investments. Records with an unparseable date are
// skipped, matching the tolerant behaviour of the upstream exporter.
func Analyze(txns []Transaction) Analysis {
	monthly := make(map[string]MonthlyTotal)
	var investments []Investment

	for _, txn := range txns {
		dt, err := time.Parse(time.RFC3339, txn.CreatedAt)
		if err != nil {
			continue
		}
		key := dt.Format("January 2006")
		amount := float64(txn.Amount)

		totals := monthly[key]
		switch txn.Type {
		case "received":
			totals.Income += amount
		case "sent", "expense":
			totals.Expenses += amount
			desc := strings.ToLower(txn.Description)
			for _, kw := range investmentKeywords {
				if strings.Contains(desc, kw) {
					investments = append(investments, Investment{
						Date:        txn.CreatedAt,
						Amount:      amount,
						Description: txn.Description,
						Type:        ClassifyInvestment(txn.Description),
					})
					break
				}
			}
		default:
			continue
		}
		monthly[key] = totals
	}

	a := Analysis{Monthly: monthly, Investments: investments}
	for _, totals := range monthly {
		a.TotalIncome += totals.Income
		a.TotalExpenses += totals.Expenses
	}
	a.TotalSavings = a.TotalIncome - a.TotalExpenses
	if len(monthly) > 0 {
		a.AvgMonthlySavings = a.TotalSavings / float64(len(monthly))
	}
	return a
}

// ClassifyInvestment maps a free-text description to an investment type.
func ClassifyInvestment(description string) string {
	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "elss"):
		return "ELSS"
	case strings.Contains(desc, "sip"), strings.Contains(desc, "mutual fund"):
		return "Mutual Fund"
	case strings.Contains(desc, "ppf"):
		return "PPF"
	case strings.Contains(desc, "fd"), strings.Contains(desc, "fixed deposit"):
		return "FD"
	case strings.Contains(desc, "nsc"):
		return "NSC"
	default:
		return "Other"
	}
}

// SIPProjection returns the value of investing `monthly` at the given annual
// rate for the given number of months, compounded monthly.
func SIPProjection(monthly, annualRate float64, months int) float64 {
	if monthly <= 0 || months <= 0 {
		return 0
	}
	r := annualRate / 12
	if r == 0 {
		return monthly * float64(months)
	}
	return math.Round(monthly * ((math.Pow(1+r, float64(months)) - 1) / r))
}

// Summary renders the canned savings/SIP advice for an analysis.
func (a Analysis) Summary() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Financial summary\n")
	fmt.Fprintf(&sb, "  Total income:   %.0f\n", a.TotalIncome)
	fmt.Fprintf(&sb, "  Total expenses: %.0f\n", a.TotalExpenses)
	fmt.Fprintf(&sb, "  Total savings:  %.0f\n", a.TotalSavings)
	fmt.Fprintf(&sb, "  Average monthly savings: %.0f\n", a.AvgMonthlySavings)

	if len(a.Monthly) > 0 {
		keys := make([]string, 0, len(a.Monthly))
		for k := range a.Monthly {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&sb, "\nMonthly totals\n")
		for _, k := range keys {
			t := a.Monthly[k]
			fmt.Fprintf(&sb, "  %-14s income %.0f, expenses %.0f, leftover %.0f\n",
				k, t.Income, t.Expenses, t.Savings())
		}
	}

	if a.AvgMonthlySavings > 0 {
		projection := SIPProjection(a.AvgMonthlySavings, 0.12, 12)
		fmt.Fprintf(&sb, "\nSuggested SIP\n")
		fmt.Fprintf(&sb, "  You can start a SIP of %.0f/month.\n", a.AvgMonthlySavings)
		fmt.Fprintf(&sb, "  Estimated value after 1 year (12%% p.a.): %.0f\n", projection)
	} else {
		fmt.Fprintf(&sb, "\nNo positive monthly savings: build a budget and an emergency fund before starting a SIP.\n")
	}

	if len(a.Investments) > 0 {
		fmt.Fprintf(&sb, "\nExisting investments\n")
		for _, inv := range a.Investments {
			fmt.Fprintf(&sb, "  %-12s %.0f  %s\n", inv.Type, inv.Amount, inv.Description)
		}
	}

	return sb.String()
}
