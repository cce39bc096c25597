package events

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		delimiter rune
		want      int
		wantErr   bool
	}{
		{
			name:      "plain comma",
			content:   "onset,duration,trial_type\n0,42,rest\n42,42,active\n",
			delimiter: ',',
			want:      2,
		},
		{
			name:      "padded cells",
			content:   "onset, duration, trial_type\n 0.0, 42.0,  rest \n 42.0, 42.0,  active \n",
			delimiter: ',',
			want:      2,
		},
		{
			name:      "shuffled columns with extras",
			content:   "trial_type\tamplitude\tonset\tduration\nactive\t1\t10.5\t3\n",
			delimiter: '\t',
			want:      1,
		},
		{
			name:      "missing trial_type column",
			content:   "onset,duration\n0,42\n",
			delimiter: ',',
			wantErr:   true,
		},
		{
			name:      "bad onset",
			content:   "onset,duration,trial_type\nx,42,rest\n",
			delimiter: ',',
			wantErr:   true,
		},
		{
			name:      "negative duration",
			content:   "onset,duration,trial_type\n0,-1,rest\n",
			delimiter: ',',
			wantErr:   true,
		},
		{
			name:      "header only",
			content:   "onset,duration,trial_type\n",
			delimiter: ',',
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Parse(tt.content, tt.delimiter)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, table, tt.want)
		})
	}
}

func TestParseValues(t *testing.T) {
	table, err := Parse("trial_type\tonset\tduration\nactive\t10.5\t3\n", '\t')
	require.NoError(t, err)
	assert.Equal(t, Event{Onset: 10.5, Duration: 3, TrialType: "active"}, table[0])
}

func TestReadFileSniffsDelimiter(t *testing.T) {
	dir := t.TempDir()

	// A .csv name holding tab-separated content still parses.
	path := filepath.Join(dir, "paradigm.csv")
	content := "onset\tduration\ttrial_type\n0\t42\trest\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rest", got[0].TrialType)
}

func TestWriteReadRoundTrip(t *testing.T) {
	src := Block([]string{"rest", "active"}, 16, 42)
	require.Len(t, src, 16)
	assert.Equal(t, 630.0, src[15].Onset)
	assert.Equal(t, "active", src[15].TrialType)

	for _, name := range []string{"events.tsv", "events.csv"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, src.WriteFile(path))
			got, err := ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, src, got)
		})
	}
}

func TestConditionOrdering(t *testing.T) {
	table := Table{
		{Onset: 42, Duration: 42, TrialType: "rest"},
		{Onset: 84, Duration: 42, TrialType: "active"},
		{Onset: 0, Duration: 42, TrialType: "rest"},
	}

	// Lexicographic, not first-seen: active sorts before rest.
	assert.Equal(t, []string{"active", "rest"}, table.Conditions())
	assert.Len(t, table.ForCondition("rest"), 2)
	assert.Equal(t, 126.0, table.TotalDuration())
}
