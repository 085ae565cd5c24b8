package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvidenceHashStableUnderOrdering(t *testing.T) {
	a := newTrustState()
	a.recordScan(ToolOutputScan{Citations: []Citation{
		{ContentHash: "h1"}, {SourceID: "s2", URL: "u2"},
	}})
	b := newTrustState()
	b.recordScan(ToolOutputScan{Citations: []Citation{
		{SourceID: "s2", URL: "u2"}, {ContentHash: "h1"},
	}})
	require.Equal(t, a.evidenceHash(), b.evidenceHash())
	require.NotEmpty(t, a.evidenceHash())
}

func TestCitationDedupe(t *testing.T) {
	ts := newTrustState()
	ts.recordScan(ToolOutputScan{Citations: []Citation{{ContentHash: "h1"}}})
	ts.recordScan(ToolOutputScan{Citations: []Citation{{ContentHash: "h1"}, {ContentHash: "h2"}}})
	require.Len(t, ts.citations, 2)
}

func TestToolDedupePreservesOrder(t *testing.T) {
	ts := newTrustState()
	ts.recordTool("search_parcels")
	ts.recordTool("get_market_data")
	ts.recordTool("search_parcels")
	ts.recordTool("")
	require.Equal(t, []string{"search_parcels", "get_market_data"}, ts.toolsInvoked)
}

func TestDeriveConfidenceLadder(t *testing.T) {
	ts := newTrustState()
	require.InDelta(t, 0.25, ts.deriveConfidence(true, nil), 1e-9)

	reported := 0.9
	require.InDelta(t, 0.9, ts.deriveConfidence(false, &reported), 1e-9)

	over := 3.0
	require.InDelta(t, 1.0, ts.deriveConfidence(false, &over), 1e-9)

	require.InDelta(t, 0.72, ts.deriveConfidence(false, nil), 1e-9)

	ts.toolErrors = append(ts.toolErrors, "tool timeout")
	require.InDelta(t, 0.45, ts.deriveConfidence(false, nil), 1e-9)
}

func TestParseFinalReportStrict(t *testing.T) {
	_, err := ParseFinalReport(`{"summary":"s","recommendation":"r","surprise":"x"}`)
	require.Error(t, err, "unknown fields must be rejected")

	_, err = ParseFinalReport(`{"summary":"s"}`)
	require.Error(t, err, "missing recommendation must be rejected")

	report, err := ParseFinalReport(`{"summary":"s","recommendation":"r","confidence":0.6}`)
	require.NoError(t, err)
	require.NotNil(t, report.Confidence)
	require.InDelta(t, 0.6, *report.Confidence, 1e-9)
}

func TestSynthesizeFallbackReport(t *testing.T) {
	_, parseErr := ParseFinalReport("nope")
	report := SynthesizeFallbackReport("raw output text", parseErr)
	require.Equal(t, "raw output text", report.Summary)
	require.NotEmpty(t, report.Recommendation)
	require.NotEmpty(t, report.Rationale)
	require.InDelta(t, 0.45, *report.Confidence, 1e-9)
}
