//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "run", "watchdog", "upload", "jobs", "vocab", "migrate"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		args []string
		flag string
	}{
		{[]string{"serve"}, "port"},
		{[]string{"run"}, "loop"},
		{[]string{"watchdog"}, "once"},
		{[]string{"upload"}, "user"},
		{[]string{"upload"}, "trigger"},
		{[]string{"jobs", "list"}, "status"},
		{[]string{"jobs", "list"}, "limit"},
	}
	for _, tt := range tests {
		cmd, _, err := rootCmd.Find(tt.args)
		require.NoError(t, err)
		assert.NotNil(t, cmd.Flags().Lookup(tt.flag), "%v --%s", tt.args, tt.flag)
	}
}

func TestRunCmd_RequiresJobID(t *testing.T) {
	assert.Error(t, runCmd.Args(runCmd, nil))
	assert.NoError(t, runCmd.Args(runCmd, []string{"j1"}))
}
