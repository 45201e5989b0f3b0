package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestExtractLastWeek(t *testing.T) {
	result := Extract("what did we discuss last week about PostgreSQL", testNow)

	require.NotNil(t, result.Interval)
	assert.Equal(t, "what did we discuss about PostgreSQL", result.CleanedQuery)
	assert.Equal(t, "last week", result.Phrase)
	assert.Equal(t, testNow.AddDate(0, 0, -7), result.Interval.Start)
	assert.Equal(t, testNow, result.Interval.End)
}

func TestExtractFewDaysAgo(t *testing.T) {
	result := Extract("show me notes from a few days ago", testNow)

	require.NotNil(t, result.Interval)
	assert.Equal(t, "show me notes", result.CleanedQuery)
	assert.Equal(t, testNow.AddDate(0, 0, -FewDays), result.Interval.Start)
	assert.Equal(t, testNow, result.Interval.End)
}

func TestExtractNonTemporal(t *testing.T) {
	result := Extract("what are the quarterly figures", testNow)

	assert.Nil(t, result.Interval)
	assert.Equal(t, "what are the quarterly figures", result.CleanedQuery)
	assert.Empty(t, result.Phrase)
}

func TestExtractYesterday(t *testing.T) {
	result := Extract("what happened yesterday in the standup", testNow)

	require.NotNil(t, result.Interval)
	assert.Equal(t, "what happened in the standup", result.CleanedQuery)
	start := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, start, result.Interval.Start)
	assert.True(t, result.Interval.End.Before(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)))
}

func TestExtractNumericCounts(t *testing.T) {
	tests := []struct {
		query string
		start time.Time
	}{
		{"deploys 3 days ago", testNow.AddDate(0, 0, -3)},
		{"deploys two weeks ago", testNow.AddDate(0, 0, -14)},
		{"notes from 2 months ago", testNow.AddDate(0, -2, 0)},
		{"errors 5 hours ago", testNow.Add(-5 * time.Hour)},
		{"a couple of days ago we talked", testNow.AddDate(0, 0, -2)},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			result := Extract(tc.query, testNow)
			require.NotNil(t, result.Interval, "query %q", tc.query)
			assert.Equal(t, tc.start, result.Interval.Start)
			assert.Equal(t, testNow, result.Interval.End)
		})
	}
}

func TestExtractRecently(t *testing.T) {
	result := Extract("anything recently about caching", testNow)

	require.NotNil(t, result.Interval)
	assert.Equal(t, "anything about caching", result.CleanedQuery)
	assert.Equal(t, testNow.AddDate(0, 0, -FewDays), result.Interval.Start)
}

func TestExtractLastMonth(t *testing.T) {
	result := Extract("incidents last month", testNow)

	require.NotNil(t, result.Interval)
	assert.Equal(t, "incidents", result.CleanedQuery)
	assert.Equal(t, testNow.AddDate(0, -1, 0), result.Interval.Start)
}

func TestIntervalContains(t *testing.T) {
	iv := Interval{Start: testNow.AddDate(0, 0, -7), End: testNow}

	assert.True(t, iv.Contains(testNow.AddDate(0, 0, -3)))
	assert.True(t, iv.Contains(iv.Start))
	assert.True(t, iv.Contains(iv.End))
	assert.False(t, iv.Contains(testNow.Add(time.Second)))
	assert.False(t, iv.Contains(testNow.AddDate(0, 0, -8)))
}

func TestExtractCleansDanglingConnective(t *testing.T) {
	result := Extract("notes from yesterday", testNow)

	require.NotNil(t, result.Interval)
	assert.Equal(t, "notes", result.CleanedQuery)
}
