package config_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "sigs.k8s.io/yaml/goyaml.v3"

	"github.com/jkoelker/switchyard/pkg/config"
)

func TestConsumerConfigDecoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want config.ConsumerConfig
	}{
		{
			name: "BlockListMeansDefaultAllow",
			doc:  `{"block": ["write"]}`,
			want: config.DefaultAllow("write"),
		},
		{
			name: "AllowListMeansDefaultBlock",
			doc:  `{"allow": ["read"]}`,
			want: config.DefaultBlock("read"),
		},
		{
			name: "ExplicitDefaultAllow",
			doc:  `{"_type": "default-allow"}`,
			want: config.DefaultAllow(),
		},
		{
			name: "BothListsFollowTag",
			doc:  `{"_type": "default-allow", "allow": ["a"], "block": ["b"]}`,
			want: config.DefaultAllow("b"),
		},
		{
			name: "NothingMeansDefaultBlock",
			doc:  `{}`,
			want: config.DefaultBlock(),
		},
		{
			name: "GroupKeyKept",
			doc:  `{"allow": ["read"], "consumerGroupKey": "team-a"}`,
			want: config.ConsumerConfig{
				Type:             config.PolicyDefaultBlock,
				Allow:            []string{"read"},
				ConsumerGroupKey: "team-a",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var fromJSON, fromYAML config.ConsumerConfig

			require.NoError(t, json.Unmarshal([]byte(tt.doc), &fromJSON))
			require.NoError(t, yaml.Unmarshal([]byte(tt.doc), &fromYAML))

			assert.Equal(t, tt.want, fromJSON)
			assert.Equal(t, tt.want, fromYAML)
		})
	}
}

func TestConsumerConfigEncoding(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(config.DefaultAllow())
	require.NoError(t, err)
	assert.JSONEq(t, `{"_type":"default-allow","block":[]}`, string(data))

	data, err = json.Marshal(config.DefaultBlock("read", "write"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"_type":"default-block","allow":["read","write"]}`, string(data))
}

func TestConsumerConfigRenameGroup(t *testing.T) {
	t.Parallel()

	original := config.DefaultBlock("read", "write", "read")
	renamed := original.RenameGroup("read", "reader")

	assert.Equal(t, []string{"reader", "write", "reader"}, renamed.Allow)
	assert.Equal(t, []string{"read", "write", "read"}, original.Allow)
	assert.True(t, renamed.References("write"))
	assert.False(t, renamed.References("read"))
}

func TestServiceToolsDecoding(t *testing.T) {
	t.Parallel()

	var group config.ToolGroup

	require.NoError(t, yaml.Unmarshal([]byte(`
name: basic
services:
  slack: "*"
  linear: [read-ticket]
`), &group))

	assert.True(t, group.Contains("slack", "anything"))
	assert.True(t, group.Contains("linear", "read-ticket"))
	assert.False(t, group.Contains("linear", "create-ticket"))
	assert.False(t, group.Contains("github", "read-ticket"))
	assert.Equal(t, []string{"linear", "slack"}, group.ServiceNames())

	var invalid config.ServiceTools
	require.ErrorIs(t, json.Unmarshal([]byte(`"some"`), &invalid), config.ErrInvalidSchema)

	data, err := json.Marshal(group)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"basic","services":{"slack":"*","linear":["read-ticket"]}}`, string(data))
}
