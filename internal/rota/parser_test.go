package rota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
}

func TestParseRange(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		in           string
		startH, endH int
		startM, endM int
		nextDay      bool
	}{
		{in: "09:00-17:00", startH: 9, endH: 17},
		{in: "0800-1700", startH: 8, endH: 17},
		{in: "2-6 pm", startH: 2, endH: 18},
		{in: "8.30-5pm", startH: 8, startM: 30, endH: 17},
		{in: "Zone 2 (8-5pm)", startH: 8, endH: 17},
		{in: "2000-0800", startH: 20, endH: 8, nextDay: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			start, end, err := ParseRange(tc.in, day)
			require.NoError(t, err)
			assert.Equal(t, tc.startH, start.Hour())
			assert.Equal(t, tc.startM, start.Minute())
			assert.Equal(t, tc.endH, end.Hour())
			assert.Equal(t, tc.endM, end.Minute())
			assert.True(t, end.After(start))
			if tc.nextDay {
				assert.Equal(t, 16, end.Day())
			}
		})
	}
}

func TestParseRange_Invalid(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"", "invalid", "*N/A", "/", "25-30"} {
		_, _, err := ParseRange(in, day)
		assert.ErrorIs(t, err, ErrNoTime, in)
	}
}

func TestParseDate(t *testing.T) {
	now := fixedNow()

	d, err := ParseDate("Mon 15 Jan", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseDate("20/1", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.January, d.Month())
	assert.Equal(t, 20, d.Day())

	// more than 90 days behind now rolls into next year
	d, err = ParseDate("1 September", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2024, d.Year())
	d, err = ParseDate("September 1", time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2025, d.Year())

	_, err = ParseDate("Name", now, time.UTC)
	assert.Error(t, err)
}

func TestIsDateRow(t *testing.T) {
	p := &Parser{Now: fixedNow}
	assert.True(t, p.IsDateRow([]string{"Mon 15 Jan", "Tue 16 Jan", "Wed 17 Jan", "Thu 18 Jan"}))
	assert.False(t, p.IsDateRow([]string{"Name", "AL", "OFF", "9-5"}))
}

func TestParse(t *testing.T) {
	p := &Parser{Now: fixedNow, Location: time.UTC, IncludePastDays: 30}
	rows := [][]string{
		{"", "", "Mon 15 Jan", "Tue 16 Jan", "Wed 17 Jan"},
		{"Reg", "Alice A.", "0800-1700", "AL", "TR"},
		{"Changeover", "Bob", "0800-1700", "0800-1700", "0800-1700"},
		{"Reg", "Bob", "", "2000-0800", "weird"},
		{"short"},
	}

	entries := p.Parse(rows)
	require.Len(t, entries, 5)

	byKey := make(map[string]Entry)
	for _, e := range entries {
		byKey[e.Name+e.Date.Format("0102")] = e
	}

	alice := byKey["AliceA0115"]
	assert.True(t, alice.Timed())
	assert.Equal(t, 8, alice.Start.Hour())

	leave := byKey["AliceA0116"]
	assert.Equal(t, TypeAnnualLeave, leave.Type)
	assert.False(t, leave.Working)

	training := byKey["AliceA0117"]
	assert.Equal(t, TypeTraining, training.Type)
	assert.False(t, training.Timed())

	night := byKey["Bob0116"]
	assert.True(t, night.Timed())
	assert.Equal(t, 17, night.End.Day())

	assert.Equal(t, TypeTraining, byKey["Bob0117"].Type)
}

func TestParse_SkipsBlocksBeforeCutoff(t *testing.T) {
	p := &Parser{Now: fixedNow, Location: time.UTC, IncludePastDays: 0}
	rows := [][]string{
		{"", "", "Mon 1 Jan", "Tue 2 Jan", "Wed 3 Jan"},
		{"Reg", "Alice", "0800-1700", "0800-1700", "0800-1700"},
		{"", "", "Wed 10 Jan", "Thu 11 Jan", "Fri 12 Jan"},
		{"Reg", "Alice", "0800-1700", "0800-1700", "0800-1700"},
	}
	entries := p.Parse(rows)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.False(t, e.Date.Before(p.Cutoff()))
	}
}
