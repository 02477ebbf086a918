package router

import (
	"strconv"
	"strings"

	"github.com/sonicx222/arb-coordinator/internal/domain"
)

// Serialize flattens an opportunity into the execution-request wire map.
// Missing numeric values serialize as "0" and missing strings as ""; expiresAt
// is only included when a numeric value is present, because the downstream's
// validator rejects an empty string there.
func Serialize(opp domain.Opportunity, forwardedBy string, forwardedAt int64) map[string]string {
	profit := "0"
	if opp.HasProfit {
		profit = formatFloat(opp.ProfitPercentage)
	}
	out := map[string]string{
		"id":                 opp.ID,
		"type":               "arbitrage",
		"chain":              opp.Chain,
		"buyDex":             opp.BuyDex,
		"sellDex":            opp.SellDex,
		"profitPercentage":   profit,
		"confidence":         formatFloat(opp.Confidence),
		"timestamp":          strconv.FormatInt(opp.Timestamp, 10),
		"tokenIn":            opp.TokenIn,
		"tokenOut":           opp.TokenOut,
		"amountIn":           opp.AmountIn,
		"forwardedBy":        forwardedBy,
		"forwardedAt":        strconv.FormatInt(forwardedAt, 10),
		"expectedProfit":     profit,
		"estimatedProfit":    profit,
		"gasEstimate":        zeroIfEmpty(opp.GasEstimate),
		"buyChain":           opp.BuyChain,
		"sellChain":          opp.SellChain,
		"pipelineTimestamps": opp.PipelineTimestamps,
	}
	if opp.ExpiresAt > 0 {
		out["expiresAt"] = strconv.FormatInt(opp.ExpiresAt, 10)
	}
	for k, v := range opp.Trace {
		if strings.HasPrefix(k, "_trace_") {
			out[k] = v
		}
	}
	return out
}

// Parse reconstructs an opportunity from a wire map. Serializing the result
// reproduces the map apart from the forwardedAt stamp; defaults that Serialize
// wrote (profitPercentage and gasEstimate "0") come back as present values.
func Parse(fields map[string]string) domain.Opportunity {
	opp := domain.Opportunity{
		ID:                 fields["id"],
		Chain:              fields["chain"],
		BuyDex:             fields["buyDex"],
		SellDex:            fields["sellDex"],
		TokenIn:            fields["tokenIn"],
		TokenOut:           fields["tokenOut"],
		AmountIn:           fields["amountIn"],
		BuyChain:           fields["buyChain"],
		SellChain:          fields["sellChain"],
		GasEstimate:        fields["gasEstimate"],
		PipelineTimestamps: fields["pipelineTimestamps"],
	}
	opp.Confidence, _ = strconv.ParseFloat(fields["confidence"], 64)
	opp.Timestamp, _ = strconv.ParseInt(fields["timestamp"], 10, 64)
	if v, ok := fields["profitPercentage"]; ok {
		opp.ProfitPercentage, _ = strconv.ParseFloat(v, 64)
		opp.HasProfit = true
	}
	if v, ok := fields["expiresAt"]; ok {
		opp.ExpiresAt, _ = strconv.ParseInt(v, 10, 64)
	}
	for k, v := range fields {
		if strings.HasPrefix(k, "_trace_") {
			if opp.Trace == nil {
				opp.Trace = make(map[string]string)
			}
			opp.Trace[k] = v
		}
	}
	return opp
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
