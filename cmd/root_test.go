package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	root := GetRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["node"])
	assert.True(t, names["version"])

	start, _, err := root.Find([]string{"node", "start"})
	require.NoError(t, err)
	assert.Equal(t, "start", start.Name())
	for _, flag := range []string{"id", "address", "join", "roles", "store"} {
		assert.NotNil(t, start.Flags().Lookup(flag), flag)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), Version)
}

func TestStartArgs(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&nodeID, "id", "", "")
	cmd.Flags().StringVar(&nodeAddress, "address", "", "")
	cmd.Flags().StringVar(&nodeJoinAddr, "join", "", "")
	cmd.Flags().StringVar(&nodeRoles, "roles", "", "")
	cmd.Flags().StringVar(&storeDriver, "store", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--id", "n2", "--roles", "ml,data", "--join", "localhost:9200"}))

	args := startArgs(cmd)
	assert.Equal(t, map[string]string{
		"node.id":        "n2",
		"node.roles":     "ml,data",
		"node.join_addr": "localhost:9200",
	}, args)
}
