package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opIDs(ops []ChangeOp) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

func TestDAGBuilder_Order(t *testing.T) {
	tests := []struct {
		name    string
		ops     []ChangeOp
		want    []string
		wantErr string
	}{
		{
			name: "phase order",
			ops: []ChangeOp{
				{ID: "dns", Phase: PhaseSettings},
				{ID: "mtu", Phase: PhaseHardware},
				{ID: "remove", Phase: PhaseTeardown},
				{ID: "dhcp", Phase: PhaseAddressing},
			},
			want: []string{"mtu", "dhcp", "dns", "remove"},
		},
		{
			name: "ties keep emission order",
			ops: []ChangeOp{
				{ID: "b", Phase: PhaseSettings},
				{ID: "a", Phase: PhaseSettings},
			},
			want: []string{"b", "a"},
		},
		{
			name: "dependency overrides phase",
			ops: []ChangeOp{
				{ID: "create", Phase: PhaseStructure, DependsOn: []string{"enable"}},
				{ID: "enable", Phase: PhaseEnable},
			},
			want: []string{"enable", "create"},
		},
		{
			name: "missing dependency",
			ops: []ChangeOp{
				{ID: "a", DependsOn: []string{"ghost"}},
			},
			wantErr: "non-existent operation ghost",
		},
		{
			name: "cycle",
			ops: []ChangeOp{
				{ID: "a", DependsOn: []string{"b"}},
				{ID: "b", DependsOn: []string{"a"}},
			},
			wantErr: "circular dependency",
		},
		{
			name:    "duplicate id",
			ops:     []ChangeOp{{ID: "a"}, {ID: "a"}},
			wantErr: "duplicate change operation ID",
		},
		{
			name:    "empty id",
			ops:     []ChangeOp{{}},
			wantErr: "empty ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDAGBuilder().Order(tt.ops)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, opIDs(got))
		})
	}
}

func TestDAGBuilder_OrderEmpty(t *testing.T) {
	got, err := NewDAGBuilder().Order(nil)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidateOrder(t *testing.T) {
	ok := &Plan{Ops: []ChangeOp{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}}
	assert.NoError(t, ValidateOrder(ok))

	bad := &Plan{Ops: []ChangeOp{{ID: "b", DependsOn: []string{"a"}}, {ID: "a"}}}
	err := ValidateOrder(bad)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeValidation))
}

func TestToDOT(t *testing.T) {
	plan := &Plan{Ops: []ChangeOp{
		{ID: "service/Eth", Kind: OperationCreate, Phase: PhaseStructure, Target: "service/Eth",
			Command: Command{Verb: "createnetworkservice"}},
		{ID: "service/Eth:dns_servers", Kind: OperationUpdate, Phase: PhaseSettings, Target: "service/Eth",
			Command: Command{Verb: "setdnsservers"}, DependsOn: []string{"service/Eth"}},
	}}

	dot := ToDOT(plan)

	assert.Contains(t, dot, "digraph Plan {")
	assert.Contains(t, dot, "subgraph cluster_structure")
	assert.Contains(t, dot, "subgraph cluster_settings")
	assert.Contains(t, dot, `"service/Eth" -> "service/Eth:dns_servers";`)
	assert.Contains(t, dot, "lightgreen")
}
