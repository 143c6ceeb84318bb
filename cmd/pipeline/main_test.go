package main

import (
	"errors"
	"io"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	run := &cobra.Command{
		Use:  "run",
		RunE: func(*cobra.Command, []string) error { return nil },
	}
	run.Flags().String("bundle-id", "", "")
	_ = run.MarkFlagRequired("bundle-id")
	root.AddCommand(run)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root
}

func TestMissingRequiredFlagIsUsageError(t *testing.T) {
	root := newTestRoot()
	root.SetArgs([]string{"run"})

	flagErrorFuncCalled := false
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		flagErrorFuncCalled = true
		return err
	})

	_, err := root.ExecuteC()
	require.Error(t, err)

	// Required-flag validation surfaces from ExecuteC without passing
	// through the flag error func, so main has to classify it itself.
	assert.False(t, flagErrorFuncCalled)
	assert.True(t, isUsageError(err))
}

func TestUnknownSubcommandIsUsageError(t *testing.T) {
	root := newTestRoot()
	root.SetArgs([]string{"frobnicate"})

	_, err := root.ExecuteC()
	require.Error(t, err)
	assert.True(t, isUsageError(err))
}

func TestDomainErrorIsNotUsageError(t *testing.T) {
	err := errors.New("Bundle not found: 2c9a1f6e-1f0a-4f5d-8a39-94c1d6a3c001")
	assert.False(t, isUsageError(err))
}
