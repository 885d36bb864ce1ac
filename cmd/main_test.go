package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1F47E/pbf-geo-index/pkg/assembler"
)

func TestPrintDropped(t *testing.T) {
	var buf bytes.Buffer
	printDropped(&buf, assembler.Stats{})
	assert.Empty(t, buf.String())

	stats := assembler.Stats{Dropped: map[assembler.WarningKind]int{
		assembler.Unclosed:       1,
		assembler.OpenWay:        2,
		assembler.UnattachedHole: 3,
	}}
	printDropped(&buf, stats)
	assert.Equal(t, "Dropped 3 candidates:\n"+
		"  open_way         2\n"+
		"  unclosed         1\n"+
		"Dropped 3 holes from kept boundaries:\n"+
		"  unattached_hole  3\n", buf.String())

	// holes alone do not print a candidates section
	buf.Reset()
	printDropped(&buf, assembler.Stats{Dropped: map[assembler.WarningKind]int{assembler.DegenerateHole: 1}})
	assert.Equal(t, "Dropped 1 holes from kept boundaries:\n  degenerate_hole  1\n", buf.String())
}

func TestParsePoint(t *testing.T) {
	tests := []struct {
		name     string
		argv     []string
		lat, lon float64
		err      bool
	}{
		{"positional", []string{"48.8566", "2.3522"}, 48.8566, 2.3522, false},
		{"negative after separator", []string{"--", "-33.9", "151.2"}, -33.9, 151.2, false},
		{"flags", []string{"--lat=-33.9", "--lon", "151.2"}, -33.9, 151.2, false},
		{"lat without lon", []string{"--lat=-33.9"}, 0, 0, true},
		{"not a number", []string{"north", "151.2"}, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newFindCmd()
			require.NoError(t, cmd.ParseFlags(tt.argv))
			args := cmd.Flags().Args()

			lat, lon, err := parsePoint(cmd, args)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, cmd.Args(cmd, args))
			require.NoError(t, err)
			assert.Equal(t, tt.lat, lat)
			assert.Equal(t, tt.lon, lon)
		})
	}
}

func TestFindCmd_Args(t *testing.T) {
	// without the separator a negative latitude parses as a shorthand flag
	cmd := newFindCmd()
	assert.Error(t, cmd.ParseFlags([]string{"-33.9", "151.2"}))

	cmd = newFindCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--lat=1", "--lon=2", "3"}))
	assert.Error(t, cmd.Args(cmd, cmd.Flags().Args()), "flags and arguments are exclusive")

	cmd = newFindCmd()
	require.NoError(t, cmd.ParseFlags([]string{"1"}))
	assert.Error(t, cmd.Args(cmd, cmd.Flags().Args()))
}
